package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"parcel/internal/archive"
	"parcel/internal/delivery"
	"parcel/internal/dispatch"
	"parcel/internal/split"
)

func newSendCommand(ctx *commandContext) *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:   "send <file>...",
		Short: "Send files immediately, one message per file",
		Long: `Send mails each file as its own message through the configured relay,
in argument order, numbering subjects "(i/n)" when there is more than one.
Use it to resend parts of a job that failed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.commandLogger(cmd)
			if err != nil {
				return err
			}
			client, err := dispatch.NewClient(cfg, logger)
			if err != nil {
				return err
			}

			for _, path := range args {
				info, err := os.Stat(path)
				if err != nil {
					return err
				}
				if !info.Mode().IsRegular() {
					return fmt.Errorf("%s is not a regular file", path)
				}
			}

			base := strings.TrimSpace(subject)
			if base == "" {
				base = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			out := cmd.OutOrStdout()
			var failed int
			for i, path := range args {
				part := split.Part{Index: i, Total: len(args)}
				attachment := dispatch.Attachment{
					Filename: filepath.Base(path),
					Path:     path,
					MIMEKind: mimeKindFor(path),
				}
				receipt, err := client.Send(cmd.Context(), []dispatch.Attachment{attachment}, delivery.PartSubject(base, part))
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAILED %s: %v\n", attachment.Filename, err)
					continue
				}
				fmt.Fprintf(out, "Sent %s (%s)\n", attachment.Filename, receipt.MessageID)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d messages failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Message subject (default: first file name)")
	return cmd
}

func mimeKindFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), archive.Extension) {
		return split.MIMEZip
	}
	return split.MIMEChunk
}
