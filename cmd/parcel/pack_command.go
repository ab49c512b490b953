package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"parcel/internal/archive"
	"parcel/internal/config"
	"parcel/internal/split"
)

func newPackCommand(ctx *commandContext) *cobra.Command {
	var outputDir string
	var name string
	var maxPart string
	var list bool

	cmd := &cobra.Command{
		Use:   "pack <dir>",
		Short: "Archive a directory and split it into parts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.commandLogger(cmd)
			if err != nil {
				return err
			}

			root := cfg.Paths.OutputDir
			if strings.TrimSpace(outputDir) != "" {
				if root, err = config.ExpandPath(outputDir); err != nil {
					return fmt.Errorf("resolve output dir: %w", err)
				}
			}
			limit := cfg.Archive.MaxPartBytes
			if strings.TrimSpace(maxPart) != "" {
				parsed, err := humanize.ParseBytes(maxPart)
				if err != nil {
					return fmt.Errorf("parse --max-part: %w", err)
				}
				limit = int64(parsed)
			}

			source, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve directory: %w", err)
			}
			arch, err := archive.NewBuilder(root, logger).Build(cmd.Context(), source, name)
			if err != nil {
				return err
			}
			parts, err := split.NewSplitter(logger).Split(cmd.Context(), arch, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Archive %s (%s, %d entries)\n", arch.OutputPath, humanize.IBytes(uint64(arch.Size)), arch.Entries)
			rows := make([][]string, 0, len(parts))
			for _, p := range parts {
				rows = append(rows, []string{
					strconv.Itoa(p.Index + 1),
					p.Filename,
					humanize.IBytes(uint64(p.Size)),
					shortDigest(p.Digest),
				})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"Part", "Attachment", "Size", "BLAKE3"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft},
				!isTerminal(out),
			))
			if list {
				entries, err := archive.List(arch.OutputPath)
				if err != nil {
					return err
				}
				fmt.Fprint(out, renderEntries(arch.Name(), entries))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&list, "list", false, "Print the archived files as a tree")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory for the archive and parts (default: output_dir)")
	cmd.Flags().StringVar(&name, "name", "", "Archive name (default: <period>_<dir>_<random>)")
	cmd.Flags().StringVar(&maxPart, "max-part", "", "Split threshold such as 20MiB (default: archive.max_part_bytes)")
	return cmd
}

func newJoinCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:         "join <part>...",
		Short:       "Reassemble part files into the original archive",
		Args:        cobra.MinimumNArgs(1),
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			parts, err := split.PartsFromPaths(args)
			if err != nil {
				return err
			}
			dst := strings.TrimSpace(output)
			if dst == "" {
				dst = strings.TrimSuffix(args[0], filepath.Ext(args[0]))
			}
			digest, err := split.Join(cmd.Context(), parts, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined %d parts into %s (blake3 %s)\n", len(parts), dst, digest)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default: first part without its suffix)")
	return cmd
}

func shortDigest(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	return digest
}
