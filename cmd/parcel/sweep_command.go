package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"parcel/internal/daemon"
	"parcel/internal/dispatch"
	"parcel/internal/pipeline"
	"parcel/internal/retention"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var sourceName string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete data for periods past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			// A running daemon owns the unfinished deliveries the busy check
			// needs, so the sweep only runs while it holds the daemon lock.
			lock := flock.New(daemon.LockPath(cfg))
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("check daemon lock: %w", err)
			}
			if !locked {
				return errors.New("parcel daemon is running and sweeps after every cycle; stop it to sweep manually")
			}
			defer func() { _ = lock.Unlock() }()

			logger, err := ctx.commandLogger(cmd)
			if err != nil {
				return err
			}
			runner, err := pipeline.NewFromConfig(cfg, dispatch.NewNoop(logger), nil, nil, logger)
			if err != nil {
				return err
			}

			targets := runner.Sources()
			if sourceName != "" {
				src, ok := runner.Source(sourceName)
				if !ok {
					return fmt.Errorf("source %q is not configured", sourceName)
				}
				targets = []pipeline.Source{src}
			}

			now := time.Now()
			var total retention.Result
			swept := map[string]bool{}
			out := cmd.OutOrStdout()
			for _, src := range targets {
				label := pipeline.PackagedLabel(src, now)
				window := runner.Retention().Window(label)
				if swept[window.String()] {
					continue
				}
				swept[window.String()] = true
				result := runner.Retention().SweepExpiredPeriods(cmd.Context(), label)
				for _, path := range result.Removed {
					fmt.Fprintf(out, "Removed %s\n", path)
				}
				total.Removed = append(total.Removed, result.Removed...)
				total.Bytes += result.Bytes
				total.Errors = append(total.Errors, result.Errors...)
			}
			fmt.Fprintf(out, "Reclaimed %s from %d paths\n", humanize.IBytes(uint64(total.Bytes)), len(total.Removed))
			return total.Err()
		},
	}

	cmd.Flags().StringVar(&sourceName, "source", "", "Only sweep the window of this source")
	return cmd
}
