package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"parcel/internal/sources"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var sourceName string

	cmd := &cobra.Command{
		Use:   "add <file>...",
		Short: "Copy files into today's inbox directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			src, ok := cfg.Source(sourceName)
			if !ok {
				return fmt.Errorf("source %q is not configured", sourceName)
			}
			discoverer, err := sources.New(src, cfg.Paths.OutputDir)
			if err != nil {
				return err
			}
			inbox, ok := discoverer.(*sources.Inbox)
			if !ok {
				return fmt.Errorf("source %q is a %s source; only inbox sources accept files", sourceName, src.Kind)
			}

			now := time.Now()
			for _, file := range args {
				abs, err := filepath.Abs(file)
				if err != nil {
					return fmt.Errorf("resolve path: %w", err)
				}
				dst, err := inbox.Add(abs, now)
				if err != nil {
					return fmt.Errorf("add %s: %w", file, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Added %s -> %s\n", filepath.Base(abs), dst)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceName, "source", "inbox", "Inbox source receiving the files")
	return cmd
}
