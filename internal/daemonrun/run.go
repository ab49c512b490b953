package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"parcel/internal/config"
	"parcel/internal/daemon"
	"parcel/internal/dispatch"
	"parcel/internal/journal"
	"parcel/internal/logging"
	"parcel/internal/metrics"
	"parcel/internal/notifications"
	"parcel/internal/pipeline"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	// TreeRoot overrides the root of every tree source when set.
	TreeRoot string
	// Once runs every source a single time, waits for delivery, and exits.
	Once bool
}

// Run starts the parcel daemon runtime loop and blocks until a signal or
// ctx cancellation stops it.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if root := strings.TrimSpace(opts.TreeRoot); root != "" {
		if err := cfg.OverrideTreeRoots(root); err != nil {
			return err
		}
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("parcel-%s.log", runID))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update parcel.log link: %v\n", err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays, time.Now(),
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "parcel-*.log", Exclude: []string{logPath}},
	)
	logConfigSnapshot(logger, cfg)

	var (
		m       metrics.Metrics = metrics.Noop{}
		daemonO []daemon.Option
	)
	if strings.TrimSpace(cfg.Metrics.Bind) != "" {
		prom := metrics.NewProm("parcel")
		m = prom
		daemonO = append(daemonO, daemon.WithMetricsHandler(prom.Handler()))
	}

	client, err := dispatch.NewClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("create dispatch client: %w", err)
	}
	notifier := notifications.NewService(cfg)
	var runnerOpts []pipeline.Option
	store, err := journal.Open(cfg)
	if err != nil {
		logging.WarnWithContext(logger, "delivery journal unavailable", "journal_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "delete the journal file if its schema is outdated"),
			logging.String(logging.FieldImpact, "parcel status will not list these deliveries"),
		)
	} else {
		defer store.Close()
		if cfg.Logging.RetentionDays > 0 {
			if _, err := store.Prune(signalCtx, time.Now().AddDate(0, 0, -cfg.Logging.RetentionDays)); err != nil {
				logger.Warn("journal prune failed", logging.Error(err))
			}
		}
		runnerOpts = append(runnerOpts, pipeline.WithJournal(store))
	}
	runner, err := pipeline.NewFromConfig(cfg, client, notifier, m, logger, runnerOpts...)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	if opts.Once {
		return runOnce(signalCtx, runner, logger)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "parcel.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	d, err := daemon.New(cfg, runner, logger, daemonO...)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		return err
	}
	defer d.Stop()

	<-signalCtx.Done()
	logger.Info("parcel daemon shutting down", logging.String(logging.FieldEventType, "daemon_shutdown"))
	return nil
}

// runOnce cycles every source at the current time and drives the scheduler
// until each job completes.
func runOnce(ctx context.Context, runner *pipeline.Runner, logger *slog.Logger) error {
	now := time.Now()
	var failures int
	for _, src := range runner.Sources() {
		if _, err := runner.RunCycle(ctx, src.Config.Name, now); err != nil {
			failures++
		}
	}

	scheduler := runner.Scheduler()
	done := make(chan error, 1)
	go func() { done <- scheduler.Wait(ctx) }()
	go func() { _ = scheduler.Run(ctx) }()
	err := <-done
	scheduler.Stop()
	if err != nil {
		return err
	}
	if failures > 0 {
		logger.Warn("run finished with failed cycles",
			logging.Int("failed_sources", failures),
			logging.String(logging.FieldEventType, "run_once_failed"),
			logging.String(logging.FieldErrorHint, "see earlier cycle_step_failed entries"),
			logging.String(logging.FieldImpact, "some capture directories were not delivered"),
		)
		return fmt.Errorf("%d source(s) failed", failures)
	}
	return nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "parcel.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logConfigSnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	names := make([]string, 0, len(cfg.Sources))
	for _, src := range cfg.Sources {
		names = append(names, src.Name)
	}
	logger.Info("configuration snapshot",
		logging.String(logging.FieldEventType, "config_snapshot"),
		logging.String("output_dir", cfg.Paths.OutputDir),
		logging.Any("sources", names),
		logging.Int64("max_part_bytes", cfg.Archive.MaxPartBytes),
		logging.Bool("dry_run", cfg.Delivery.DryRun),
		logging.Bool("smtp_configured", strings.TrimSpace(cfg.SMTP.Host) != ""),
		logging.Bool("ntfy_configured", strings.TrimSpace(cfg.Notifications.NtfyTopic) != ""),
		logging.String("metrics_bind", cfg.Metrics.Bind),
	)
}
