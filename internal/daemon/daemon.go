package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"parcel/internal/config"
	"parcel/internal/delivery"
	"parcel/internal/logging"
	"parcel/internal/pipeline"
)

// Daemon drives the minute loop and enforces single-instance execution.
type Daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	runner  *pipeline.Runner
	logPath string
	now     func() time.Time

	lockPath string
	lock     *flock.Flock
	metrics  *metricsServer

	mu      sync.Mutex
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	ticks   atomic.Int64
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	LockFilePath string
	LogPath      string
	MetricsAddr  string
	Ticks        int64
	Sources      []SourceStatus
	Jobs         []delivery.Snapshot
}

// SourceStatus reports when a source next runs.
type SourceStatus struct {
	Name     string
	Kind     string
	Schedule string
	NextRun  time.Time
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithClock overrides the time source used by the loop.
func WithClock(now func() time.Time) Option {
	return func(d *Daemon) {
		if now != nil {
			d.now = now
		}
	}
}

// WithMetricsHandler serves handler at /metrics on the configured bind address.
func WithMetricsHandler(handler http.Handler) Option {
	return func(d *Daemon) {
		if handler != nil {
			d.metrics = newMetricsServer(d.cfg.Metrics.Bind, handler, d.logger)
		}
	}
}

// LockPath returns the single-instance lock file for cfg.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "parcel.lock")
}

// New constructs a daemon around a configured runner.
func New(cfg *config.Config, runner *pipeline.Runner, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || runner == nil || logger == nil {
		return nil, errors.New("daemon requires config, runner, and logger")
	}

	lockPath := LockPath(cfg)
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		runner:   runner,
		logPath:  filepath.Join(cfg.Paths.LogDir, "parcel.log"),
		now:      time.Now,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start acquires the daemon lock and launches the minute loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another parcel daemon instance is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if err := d.metrics.start(loopCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)
	go d.loop(loopCtx, d.done)

	d.logger.Info("parcel daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("sources", len(d.runner.Sources())),
		logging.String(logging.FieldEventType, "daemon_started"),
	)
	return nil
}

// Stop ends the loop, waits for running cycles and in-flight sends, and
// releases the daemon lock. Parts that have not fired are abandoned; their
// files stay on disk for the retention sweep.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}

	d.cancel()
	<-d.done
	d.runner.Wait()
	d.runner.Scheduler().Stop()
	d.metrics.stop()
	if err := d.lock.Unlock(); err != nil {
		logging.WarnWithContext(d.logger, "failed to release daemon lock", "daemon_lock_release_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the lock file if no daemon is running"),
		)
	}
	d.cancel = nil
	d.running.Store(false)
	d.logger.Info("parcel daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Step runs one loop iteration at now: due cycles first, then due parts.
func (d *Daemon) Step(ctx context.Context, now time.Time) {
	started := d.runner.Tick(ctx, now)
	handed := d.runner.Scheduler().Tick(now)
	d.ticks.Add(1)
	if len(started) > 0 || handed > 0 {
		d.logger.Debug("tick",
			logging.Any("cycles", started),
			logging.Int("parts", handed),
			logging.Time("minute", now.Truncate(time.Minute)),
		)
	}
}

func (d *Daemon) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	d.Step(ctx, d.now())
	lastPrune := d.now()
	for {
		timer := time.NewTimer(delivery.UntilNextMinute(d.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		now := d.now()
		d.Step(ctx, now)
		if now.Sub(lastPrune) >= 24*time.Hour {
			d.pruneLogs(now)
			lastPrune = now
		}
	}
}

func (d *Daemon) pruneLogs(now time.Time) {
	logging.CleanupOldLogs(d.logger, d.cfg.Logging.RetentionDays, now,
		logging.RetentionTarget{Dir: d.cfg.Paths.LogDir, Pattern: "parcel-*.log", Exclude: []string{d.logPath}},
	)
}

// LogPath returns the path to the daemon log file.
func (d *Daemon) LogPath() string {
	return d.logPath
}

// Status returns the current daemon status.
func (d *Daemon) Status() Status {
	now := d.now()
	status := Status{
		Running:      d.running.Load(),
		LockFilePath: d.lockPath,
		LogPath:      d.logPath,
		MetricsAddr:  d.metrics.addr(),
		Ticks:        d.ticks.Load(),
		Jobs:         d.runner.Scheduler().Jobs(),
	}
	for _, src := range d.runner.Sources() {
		next, err := src.Schedule.Next(now)
		if err != nil {
			next = time.Time{}
		}
		status.Sources = append(status.Sources, SourceStatus{
			Name:     src.Config.Name,
			Kind:     src.Config.Kind,
			Schedule: src.Schedule.String(),
			NextRun:  next,
		})
	}
	return status
}
