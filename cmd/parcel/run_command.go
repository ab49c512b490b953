package main

import (
	"github.com/spf13/cobra"

	"parcel/internal/daemonrun"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var once bool
	var development bool

	cmd := &cobra.Command{
		Use:   "run [source-root]",
		Short: "Run the scheduler loop in the foreground",
		Long: `Run packages every source on its schedule and delivers parts on their
trigger minutes until interrupted. The optional source-root replaces the
root of every tree source. With --once each source is packaged immediately
and the command exits after every delivery finishes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			opts := daemonrun.Options{
				LogLevel:    ctx.logLevel(),
				Development: development,
				Once:        once,
			}
			if len(args) == 1 {
				opts.TreeRoot = args[0]
			}
			return daemonrun.Run(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Package every source now, deliver, and exit")
	cmd.Flags().BoolVar(&development, "dev", false, "Include caller information in logs")
	return cmd
}
