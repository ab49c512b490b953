package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"parcel/internal/archive"
	"parcel/internal/config"
	"parcel/internal/cron"
	"parcel/internal/daemon"
	"parcel/internal/fileutil"
	"parcel/internal/journal"
	"parcel/internal/period"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, source schedules, and undelivered archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			color := isTerminal(out)
			plain := !color
			now := time.Now()

			fmt.Fprintln(out, renderSectionHeader("parcel", color))
			fmt.Fprintln(out, renderStatusLine("Config", statusInfo, ctx.configPath, color))
			running, err := daemonRunning(cfg)
			switch {
			case err != nil:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusWarn, err.Error(), color))
			case running:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusOK, "running", color))
			default:
				fmt.Fprintln(out, renderStatusLine("Daemon", statusInfo, "not running", color))
			}
			if cfg.Delivery.DryRun {
				fmt.Fprintln(out, renderStatusLine("Delivery", statusWarn, "dry run; nothing is sent", color))
			} else {
				fmt.Fprintln(out, renderStatusLine("Delivery", statusOK, fmt.Sprintf("%s via %s", cfg.SMTP.To, cfg.SMTP.Host), color))
			}
			if free, ok, err := fileutil.FreeBytes(cfg.Paths.OutputDir); err == nil && ok {
				fmt.Fprintln(out, renderStatusLine("Free space", statusInfo, humanize.IBytes(free), color))
			}

			fmt.Fprintln(out)
			fmt.Fprintln(out, renderSectionHeader("Sources", color))
			fmt.Fprintln(out, renderTable(
				[]string{"Source", "Kind", "Period", "Schedule", "Next run", "Packages"},
				sourceRows(cfg, now),
				nil,
				plain,
			))

			if err := renderRecentDeliveries(cmd, cfg, color); err != nil {
				return err
			}

			pending, err := pendingArchives(cfg.Paths.OutputDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, renderSectionHeader("Undelivered archives", color))
			if len(pending) == 0 {
				fmt.Fprintln(out, "  none")
				return nil
			}
			rows := make([][]string, 0, len(pending))
			for _, entry := range pending {
				rows = append(rows, []string{entry.name, humanize.IBytes(uint64(entry.size)), humanize.RelTime(entry.modified, now, "ago", "from now")})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"File", "Size", "Written"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft},
				plain,
			))
			return nil
		},
	}
}

func renderRecentDeliveries(cmd *cobra.Command, cfg *config.Config, color bool) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderSectionHeader("Recent deliveries", color))
	store, err := journal.Open(cfg)
	if err != nil {
		fmt.Fprintln(out, renderStatusLine("Journal", statusWarn, err.Error(), color))
		return nil
	}
	defer store.Close()
	entries, err := store.Recent(cmd.Context(), 10)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "  none")
		return nil
	}
	now := time.Now()
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Archive,
			e.Source,
			fmt.Sprintf("%d/%d", e.Parts-e.FailedParts, e.Parts),
			e.Status,
			humanize.RelTime(e.CompletedAt, now, "ago", "from now"),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Archive", "Source", "Sent", "Status", "Completed"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
		!color,
	))
	return nil
}

func daemonRunning(cfg *config.Config) (bool, error) {
	lock := flock.New(daemon.LockPath(cfg))
	ok, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("check daemon lock: %w", err)
	}
	if ok {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}

func sourceRows(cfg *config.Config, now time.Time) [][]string {
	rows := make([][]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		next := "-"
		if schedule, err := cron.Parse(src.Schedule); err == nil {
			if at, err := schedule.Next(now); err == nil {
				next = at.Format("2006-01-02 15:04")
			}
		}
		packages := "-"
		if g, err := period.ParseGranularity(src.Period); err == nil {
			packages = period.Of(g, now).Previous(src.Lag()).String()
		}
		kind := src.Kind
		if src.Kind == config.SourceKindTree {
			kind = fmt.Sprintf("tree (%s)", src.Root)
		}
		rows = append(rows, []string{src.Name, kind, src.Period, src.Schedule, next, packages})
	}
	return rows
}

type pendingEntry struct {
	name     string
	size     int64
	modified time.Time
}

func pendingArchives(outputRoot string) ([]pendingEntry, error) {
	entries, err := os.ReadDir(outputRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	var pending []pendingEntry
	for _, entry := range entries {
		if entry.IsDir() || !archive.IsArchiveFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		pending = append(pending, pendingEntry{name: entry.Name(), size: info.Size(), modified: info.ModTime()})
	}
	sort.Slice(pending, func(i, j int) bool {
		return strings.Compare(pending[i].name, pending[j].name) < 0
	})
	return pending, nil
}
