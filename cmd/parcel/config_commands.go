package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"parcel/internal/config"
)

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Create or check the parcel configuration",
	}
	configCmd.AddCommand(newConfigInitCommand(), newConfigValidateCommand(ctx))
	return configCmd
}

func newConfigInitCommand() *cobra.Command {
	var targetPath string
	var overwrite bool

	cmd := &cobra.Command{
		Use:         "init",
		Short:       "Write the sample configuration",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := initTarget(targetPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(target); err == nil && !overwrite {
				return fmt.Errorf("%s already exists; pass --overwrite to replace it", target)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("check config path: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create config directory: %w", err)
			}
			if err := config.CreateSample(target); err != nil {
				return fmt.Errorf("create sample config: %w", err)
			}

			// Load what was written so a broken sample fails here, not at
			// the first scheduled cycle.
			cfg, _, _, err := config.Load(target)
			if err != nil {
				return fmt.Errorf("sample config does not load: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote sample configuration to %s\n", target)
			fmt.Fprintf(out, "It defines %d source(s) and starts in dry run: %s\n", len(cfg.Sources), yesNo(cfg.Delivery.DryRun))
			fmt.Fprintln(out, "Set the [smtp] relay (or export PARCEL_SMTP_PASSWORD) before disabling dry_run.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&targetPath, "path", "p", "", "Where to write the configuration (default ~/.config/parcel/config.toml)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "Replace an existing file")
	return cmd
}

func initTarget(flagValue string) (string, error) {
	if target := strings.TrimSpace(flagValue); target != "" {
		expanded, err := config.ExpandPath(target)
		if err != nil {
			return "", fmt.Errorf("resolve config path: %w", err)
		}
		return expanded, nil
	}
	target, err := config.DefaultConfigPath()
	if err != nil {
		return "", fmt.Errorf("determine default config path: %w", err)
	}
	return target, nil
}

func newConfigValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and show what each source will do",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			plain := !isTerminal(out)

			source := ctx.configPath
			if _, err := os.Stat(ctx.configPath); errors.Is(err, os.ErrNotExist) {
				source += " (not found; using defaults)"
			}
			fmt.Fprintf(out, "Config path: %s\n", source)
			fmt.Fprintf(out, "Sources: %d, dry run: %s\n", len(cfg.Sources), yesNo(cfg.Delivery.DryRun))
			fmt.Fprintf(out, "Parts up to %s, delivery jitter %d-%d min, retention %d period(s) behind\n",
				humanize.IBytes(uint64(cfg.Archive.MaxPartBytes)),
				cfg.Delivery.JitterLow, cfg.Delivery.JitterHigh,
				cfg.Retention.LagPeriods,
			)
			fmt.Fprintln(out, renderTable(
				[]string{"Source", "Kind", "Period", "Schedule", "Next run", "Packages", "Reclaims"},
				validateRows(cfg, time.Now()),
				nil,
				plain,
			))
			if err := cfg.ValidateDispatch(); err != nil {
				fmt.Fprintf(out, "Delivery not ready: %v\n", err)
			}
			fmt.Fprintln(out, "Configuration valid")
			return nil
		},
	}
}

func validateRows(cfg *config.Config, now time.Time) [][]string {
	rows := sourceRows(cfg, now)
	for i, src := range cfg.Sources {
		rows[i] = append(rows[i], yesNo(src.Reclaimed()))
	}
	return rows
}
