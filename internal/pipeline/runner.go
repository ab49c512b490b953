package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"parcel/internal/archive"
	"parcel/internal/config"
	"parcel/internal/cron"
	"parcel/internal/delivery"
	"parcel/internal/dispatch"
	"parcel/internal/faults"
	"parcel/internal/logging"
	"parcel/internal/metrics"
	"parcel/internal/notifications"
	"parcel/internal/period"
	"parcel/internal/retention"
	"parcel/internal/sources"
	"parcel/internal/split"
)

// ErrCycleInFlight reports a cycle request for a source that is already running.
var ErrCycleInFlight = errors.New("cycle already running for source")

// Source is a configured capture source ready to be cycled.
type Source struct {
	Config      config.Source
	Granularity period.Granularity
	Schedule    cron.Schedule
	Discoverer  sources.Discoverer
}

// Journal records completed delivery jobs.
type Journal interface {
	Record(ctx context.Context, snap delivery.Snapshot) error
}

// Deps bundles the collaborators a Runner drives.
type Deps struct {
	Builder   *archive.Builder
	Splitter  *split.Splitter
	Scheduler *delivery.Scheduler
	Retention *retention.Manager
	Notifier  notifications.Service
	Metrics   metrics.Metrics
	Journal   Journal
	Logger    *slog.Logger
}

// Option customizes a Runner built by NewFromConfig.
type Option func(*Deps)

// WithJournal records every completed job in j.
func WithJournal(j Journal) Option {
	return func(d *Deps) { d.Journal = j }
}

// WithSplitter replaces the default splitter.
func WithSplitter(s *split.Splitter) Option {
	return func(d *Deps) { d.Splitter = s }
}

// Runner packages, splits, and schedules capture directories per source.
type Runner struct {
	maxPartBytes int64
	sources      []Source
	builder      *archive.Builder
	splitter     *split.Splitter
	scheduler    *delivery.Scheduler
	retention    *retention.Manager
	notifier     notifications.Service
	metrics      metrics.Metrics
	journal      Journal
	logger       *slog.Logger

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Source   string
	Label    period.Label
	Archives []archive.Archive
	Jobs     []delivery.Snapshot
	Swept    retention.Result
	Failures []error
}

// Err joins the cycle's failures.
func (r CycleReport) Err() error {
	return errors.Join(r.Failures...)
}

// New constructs a Runner from explicit collaborators.
func New(maxPartBytes int64, srcs []Source, deps Deps) *Runner {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notifications.NewService(nil)
	}
	return &Runner{
		maxPartBytes: maxPartBytes,
		sources:      srcs,
		builder:      deps.Builder,
		splitter:     deps.Splitter,
		scheduler:    deps.Scheduler,
		retention:    deps.Retention,
		notifier:     notifier,
		metrics:      metrics.OrNoop(deps.Metrics),
		journal:      deps.Journal,
		logger:       logging.NewComponentLogger(deps.Logger, "pipeline"),
		running:      make(map[string]bool),
	}
}

// NewFromConfig wires the archive, split, delivery, and retention stages
// for every configured source.
func NewFromConfig(cfg *config.Config, client dispatch.Client, notifier notifications.Service, m metrics.Metrics, logger *slog.Logger, opts ...Option) (*Runner, error) {
	m = metrics.OrNoop(m)
	srcs := make([]Source, 0, len(cfg.Sources))
	var targets []retention.Target
	for _, sc := range cfg.Sources {
		g, err := period.ParseGranularity(sc.Period)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		schedule, err := cron.Parse(sc.Schedule)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.Name, err)
		}
		discoverer, err := sources.New(sc, cfg.Paths.OutputDir)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, Source{Config: sc, Granularity: g, Schedule: schedule, Discoverer: discoverer})
		if sc.Kind == config.SourceKindTree && sc.ReclaimSource {
			targets = append(targets, retention.Target{Source: sc.Name, Granularity: g, Discoverer: discoverer})
		}
	}

	scheduler := delivery.NewScheduler(client, delivery.Timing{
		BaseOffsetMinutes: cfg.Delivery.BaseOffsetMinutes,
		JitterLow:         cfg.Delivery.JitterLow,
		JitterHigh:        cfg.Delivery.JitterHigh,
	}, logger, delivery.WithMetrics(m))

	manager := retention.NewManager(cfg.Paths.OutputDir, cfg.Retention.LagPeriods, logger,
		retention.WithMetrics(m),
		retention.WithTargets(targets...),
		retention.WithBusyCheck(busyCheck(scheduler)),
	)

	deps := Deps{
		Builder:   archive.NewBuilder(cfg.Paths.OutputDir, logger),
		Splitter:  split.NewSplitter(logger),
		Scheduler: scheduler,
		Retention: manager,
		Notifier:  notifier,
		Metrics:   m,
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return New(cfg.Archive.MaxPartBytes, srcs, deps), nil
}

// Scheduler exposes the delivery scheduler driven by this runner.
func (r *Runner) Scheduler() *delivery.Scheduler { return r.scheduler }

// Retention exposes the retention manager.
func (r *Runner) Retention() *retention.Manager { return r.retention }

// Sources lists the configured sources.
func (r *Runner) Sources() []Source { return append([]Source(nil), r.sources...) }

// Source looks up a source by name.
func (r *Runner) Source(name string) (Source, bool) {
	for _, src := range r.sources {
		if src.Config.Name == name {
			return src, true
		}
	}
	return Source{}, false
}

// PackagedLabel returns the period a cycle for src started at now packages.
func PackagedLabel(src Source, now time.Time) period.Label {
	return period.Of(src.Granularity, now).Previous(src.Config.Lag())
}

// Tick starts a cycle for every source whose schedule matches now and
// that has no cycle in flight. It returns the names of started sources.
func (r *Runner) Tick(ctx context.Context, now time.Time) []string {
	var started []string
	for _, src := range r.sources {
		if !src.Schedule.Matches(now) {
			continue
		}
		name := src.Config.Name
		if !r.claim(name) {
			r.logger.Info("cycle skipped; previous cycle still running",
				logging.String(logging.FieldSource, name),
				logging.String(logging.FieldEventType, "cycle_skipped"),
			)
			continue
		}
		started = append(started, name)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.release(name)
			_, _ = r.runClaimed(ctx, src, now)
		}()
	}
	return started
}

// Wait blocks until cycles started by Tick have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// RunCycle packages the period due for the named source, schedules
// delivery of every archive, and sweeps the expired period.
func (r *Runner) RunCycle(ctx context.Context, name string, now time.Time) (CycleReport, error) {
	src, ok := r.Source(name)
	if !ok {
		return CycleReport{Source: name}, fmt.Errorf("%w: unknown source %q", faults.ErrConfiguration, name)
	}
	if !r.claim(name) {
		return CycleReport{Source: name}, fmt.Errorf("%w: %s", ErrCycleInFlight, name)
	}
	defer r.release(name)
	return r.runClaimed(ctx, src, now)
}

type prepared struct {
	dir   sources.CaptureDir
	arch  archive.Archive
	parts []split.Part
}

func (r *Runner) runClaimed(ctx context.Context, src Source, now time.Time) (CycleReport, error) {
	label := PackagedLabel(src, now)
	name := src.Config.Name
	ctx = logging.WithPeriod(logging.WithSource(ctx, name), label.String())
	logger := logging.WithContext(ctx, r.logger)
	report := CycleReport{Source: name, Label: label}
	started := time.Now()

	logger.Info("cycle started", logging.String(logging.FieldEventType, "cycle_started"))

	release := r.retention.Protect(label)
	ready := r.prepare(ctx, src, label, &report)
	release()

	for _, item := range ready {
		snap, err := r.scheduler.Submit(ctx, r.job(ctx, src, item))
		if err != nil {
			report.Failures = append(report.Failures, err)
			logging.ErrorWithContext(logger, "delivery submit failed", "delivery_submit_failed",
				logging.String("archive", item.arch.Name()),
				logging.Error(err),
			)
			continue
		}
		report.Jobs = append(report.Jobs, snap)
	}

	report.Swept = r.retention.SweepExpiredPeriods(ctx, label)
	if err := report.Swept.Err(); err != nil {
		r.publish(ctx, notifications.EventReclaimFailed, notifications.Payload{
			"source": name,
			"count":  len(report.Swept.Errors),
			"error":  err,
		})
	}

	result := "ok"
	if len(report.Failures) > 0 {
		result = faults.Kind(report.Failures[0])
	}
	r.metrics.IncCycles(name, result)
	logger.Info("cycle finished",
		logging.Int("archives", len(report.Archives)),
		logging.Int("jobs", len(report.Jobs)),
		logging.Int("failures", len(report.Failures)),
		logging.Int64("swept_bytes", report.Swept.Bytes),
		logging.Duration("elapsed", time.Since(started).Round(time.Millisecond)),
		logging.String(logging.FieldEventType, "cycle_finished"),
	)
	return report, report.Err()
}

func (r *Runner) prepare(ctx context.Context, src Source, label period.Label, report *CycleReport) []prepared {
	logger := logging.WithContext(ctx, r.logger)
	dirs, err := src.Discoverer.Discover(label)
	if err == nil && len(dirs) == 0 {
		err = &archive.SourceNotFoundError{Path: describe(src, label), Err: os.ErrNotExist}
	}
	if err != nil {
		r.fail(ctx, report, err)
		return nil
	}

	ready := make([]prepared, 0, len(dirs))
	for _, dir := range dirs {
		if ctx.Err() != nil {
			r.fail(ctx, report, ctx.Err())
			break
		}
		arch, err := r.builder.BuildLabeled(ctx, dir.Path, label, dir.NameHint())
		if err != nil {
			r.fail(ctx, report, err)
			continue
		}
		r.metrics.IncArchivesBuilt(src.Config.Name)
		report.Archives = append(report.Archives, arch)

		parts, err := r.splitter.Split(ctx, arch, r.maxPartBytes)
		if err != nil {
			if rmErr := os.Remove(arch.OutputPath); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warn("abandoned archive not removed",
					logging.String("archive", arch.OutputPath),
					logging.Error(rmErr),
					logging.String(logging.FieldEventType, "archive_cleanup_failed"),
					logging.String(logging.FieldErrorHint, "the retention sweep removes it later"),
					logging.String(logging.FieldImpact, "archive occupies disk until swept"),
				)
			}
			r.fail(ctx, report, err)
			continue
		}
		ready = append(ready, prepared{dir: dir, arch: arch, parts: parts})
	}
	return ready
}

func (r *Runner) job(ctx context.Context, src Source, item prepared) delivery.Job {
	detached := context.WithoutCancel(ctx)
	return delivery.Job{
		Source:  src.Config.Name,
		Subject: RenderSubject(src.Config.Subject, item.dir),
		Archive: item.arch,
		Parts:   item.parts,
		OnComplete: func(snap delivery.Snapshot) {
			r.onDelivered(detached, src, item, snap)
		},
	}
}

func (r *Runner) onDelivered(ctx context.Context, src Source, item prepared, snap delivery.Snapshot) {
	ctx = logging.WithJobID(ctx, snap.ID)
	if r.journal != nil {
		if err := r.journal.Record(ctx, snap); err != nil {
			logging.WarnWithContext(logging.WithContext(ctx, r.logger), "delivery not journaled", "journal_record_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check permissions on the log directory"),
				logging.String(logging.FieldImpact, "status history misses this job"),
			)
		}
	}
	r.publish(ctx, notifications.EventDeliveryComplete, notifications.Payload{
		"archive": item.arch.Name(),
		"parts":   len(snap.Parts),
		"failed":  snap.Failed(),
		"bytes":   item.arch.Size,
	})
	if !snap.Delivered() {
		logging.WarnWithContext(logging.WithContext(ctx, r.logger), "delivery incomplete; keeping files for the retention sweep", "reclaim_deferred",
			logging.Int("failed_parts", snap.Failed()),
			logging.String(logging.FieldErrorHint, "check smtp settings and resend with 'parcel send'"),
			logging.String(logging.FieldImpact, "archive and capture data kept until the retention sweep"),
		)
		return
	}

	partPaths := make([]string, 0, len(snap.Parts))
	for _, p := range snap.Parts {
		partPaths = append(partPaths, p.Path)
	}
	capture := ""
	if src.Config.ReclaimSource {
		capture = item.dir.Path
	}
	result := r.retention.Reclaim(ctx, src.Config.Name, item.arch, partPaths, capture)
	if err := result.Err(); err != nil {
		r.publish(ctx, notifications.EventReclaimFailed, notifications.Payload{
			"source": src.Config.Name,
			"count":  len(result.Errors),
			"error":  err,
		})
	}
}

func (r *Runner) fail(ctx context.Context, report *CycleReport, err error) {
	report.Failures = append(report.Failures, err)
	logging.ErrorWithContext(logging.WithContext(ctx, r.logger), "cycle step failed", "cycle_step_failed",
		logging.Error(err),
		logging.String("kind", faults.Kind(err)),
		logging.String(logging.FieldErrorHint, faults.Hint(err)),
	)
	r.publish(ctx, notifications.EventCycleFailed, notifications.Payload{
		"source": report.Source,
		"period": report.Label.String(),
		"error":  err,
	})
}

func (r *Runner) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := r.notifier.Publish(ctx, event, payload); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, r.logger), "notification failed", "notification_failed",
			logging.String("event", string(event)),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "operator was not notified"),
		)
	}
}

func (r *Runner) claim(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[name] {
		return false
	}
	r.running[name] = true
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, name)
}

// RenderSubject fills {source}, {label}, and {category} in template.
func RenderSubject(template string, dir sources.CaptureDir) string {
	category := dir.Category
	if category == "" {
		category = "default"
	}
	replacer := strings.NewReplacer(
		"{source}", dir.Source,
		"{label}", dir.Label.String(),
		"{category}", category,
	)
	return strings.Join(strings.Fields(replacer.Replace(template)), " ")
}

func describe(src Source, label period.Label) string {
	if tree, ok := src.Discoverer.(*sources.Tree); ok {
		return fmt.Sprintf("%s/*/%s", tree.Root(), label)
	}
	return fmt.Sprintf("%s capture directory for %s", src.Config.Name, label)
}

func busyCheck(scheduler *delivery.Scheduler) func(string) bool {
	return func(path string) bool {
		for _, job := range scheduler.Jobs() {
			if job.State == delivery.Complete {
				continue
			}
			if job.Archive.OutputPath == path || job.Archive.SourcePath == path {
				return true
			}
			for _, p := range job.Parts {
				if p.Path == path {
					return true
				}
			}
		}
		return false
	}
}
