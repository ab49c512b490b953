package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"parcel/internal/dispatch"
	"parcel/internal/faults"
	"parcel/internal/logging"
	"parcel/internal/metrics"
	"parcel/internal/split"
)

const completedHistory = 50

// Timing controls how multi-part jobs are spread over minutes.
type Timing struct {
	BaseOffsetMinutes int
	JitterLow         int
	JitterHigh        int
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics records dispatch and job counters.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics.OrNoop(m)
	}
}

// Scheduler hands archive parts to a dispatch client one trigger minute at a
// time. Each job has its own sender goroutine, so a slow relay never blocks
// Tick and parts of one job are always sent in index order.
type Scheduler struct {
	client  dispatch.Client
	timing  Timing
	logger  *slog.Logger
	metrics metrics.Metrics
	now     func() time.Time

	mu    sync.Mutex
	jobs  map[string]*tracked
	order []string
	wg    sync.WaitGroup
}

type tracked struct {
	job         Job
	state       State
	triggers    []time.Time
	queue       []split.Part
	outcomes    []dispatch.Outcome
	sendCh      chan split.Part
	done        chan struct{}
	submittedAt time.Time
	completedAt time.Time
}

// NewScheduler constructs a Scheduler sending through client.
func NewScheduler(client dispatch.Client, timing Timing, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		client:  client,
		timing:  timing,
		logger:  logging.NewComponentLogger(logger, "delivery"),
		metrics: metrics.Noop{},
		now:     time.Now,
		jobs:    make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit registers a job. A single-part job is dispatched before Submit
// returns; larger jobs are scheduled on trigger minutes and drained by Tick.
func (s *Scheduler) Submit(ctx context.Context, job Job) (Snapshot, error) {
	if len(job.Parts) == 0 {
		return Snapshot{}, faults.Wrap(faults.ErrDelivery, "delivery", "submit", "job has no parts", nil)
	}
	parts := slices.Clone(job.Parts)
	slices.SortFunc(parts, func(a, b split.Part) int { return a.Index - b.Index })
	for i, p := range parts {
		if p.Index != i {
			return Snapshot{}, faults.Wrap(faults.ErrDelivery, "delivery", "submit", fmt.Sprintf("parts are not contiguous: missing index %d", i), nil)
		}
	}
	job.Parts = parts
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Seed == 0 {
		job.Seed = SeedFor(job.ID)
	}

	t := &tracked{
		job:         job,
		state:       Pending,
		queue:       slices.Clone(parts),
		done:        make(chan struct{}),
		submittedAt: s.now(),
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return Snapshot{}, faults.Wrap(faults.ErrDelivery, "delivery", "submit", fmt.Sprintf("job %s already submitted", job.ID), nil)
	}
	s.jobs[job.ID] = t
	s.order = append(s.order, job.ID)
	s.mu.Unlock()

	ctx = logging.WithJobID(logging.WithSource(ctx, job.Source), job.ID)
	if !job.Archive.Period.IsZero() {
		ctx = logging.WithPeriod(ctx, job.Archive.Period.String())
	}
	logger := logging.WithContext(ctx, s.logger)

	if len(parts) == 1 {
		s.mu.Lock()
		t.queue = nil
		s.mu.Unlock()
		s.record(t, s.send(ctx, t.job, parts[0]))
		return s.snapshotOf(t), nil
	}

	base := t.submittedAt.Add(time.Duration(s.timing.BaseOffsetMinutes) * time.Minute)
	triggers := PlanTriggers(base, len(parts), s.timing.JitterLow, s.timing.JitterHigh, job.Seed)

	s.mu.Lock()
	t.triggers = triggers
	t.state = Scheduled
	t.sendCh = make(chan split.Part, len(parts))
	s.mu.Unlock()

	s.wg.Add(1)
	go s.drain(ctx, t)

	logger.Info("delivery scheduled",
		logging.Int(logging.FieldPartTotal, len(parts)),
		logging.Int64("archive_bytes", job.Archive.Size),
		logging.Time("first_trigger", triggers[0]),
		logging.Time("last_trigger", triggers[len(triggers)-1]),
		logging.String(logging.FieldEventType, "delivery_scheduled"),
	)
	s.metrics.SetJobsInFlight(s.inFlight())
	return s.snapshotOf(t), nil
}

// Tick fires every job whose next trigger minute is at or before now's
// minute, handing at most one part per job to its sender. It returns the
// number of parts handed off and never waits on the relay.
func (s *Scheduler) Tick(now time.Time) int {
	minute := now.Truncate(time.Minute)
	handed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		t := s.jobs[id]
		if t.state != Scheduled && t.state != Draining {
			continue
		}
		if len(t.queue) == 0 {
			continue
		}
		fired := len(t.job.Parts) - len(t.queue)
		if fired >= len(t.triggers) || t.triggers[fired].After(minute) {
			continue
		}
		part := t.queue[0]
		t.queue = t.queue[1:]
		t.sendCh <- part
		if t.state == Scheduled {
			t.state = Draining
		}
		if len(t.queue) == 0 {
			close(t.sendCh)
		}
		handed++
		s.logger.Debug("trigger fired",
			logging.String(logging.FieldJobID, id),
			logging.Int(logging.FieldPartIndex, part.Index+1),
			logging.Int(logging.FieldPartTotal, part.Total),
			logging.Time("trigger", t.triggers[fired]),
		)
	}
	return handed
}

// Run ticks at every minute boundary until ctx is cancelled. It ticks once
// immediately so minutes missed before startup fire right away.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Tick(s.now())
	for {
		timer := time.NewTimer(UntilNextMinute(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.Tick(s.now())
		}
	}
}

// Wait blocks until every submitted job is complete or ctx ends.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]chan struct{}, 0, len(s.jobs))
	for _, t := range s.jobs {
		if t.state != Complete {
			pending = append(pending, t.done)
		}
	}
	s.mu.Unlock()

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stop abandons parts that have not fired yet and waits for in-flight sends
// to finish. Abandoned jobs never reach Complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for _, t := range s.jobs {
		if t.sendCh != nil && len(t.queue) > 0 {
			t.queue = nil
			close(t.sendCh)
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Jobs returns snapshots of known jobs in submission order.
func (s *Scheduler) Jobs() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, snapshotLocked(s.jobs[id]))
	}
	return out
}

// Job returns the snapshot of one job.
func (s *Scheduler) Job(id string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(t), true
}

func (s *Scheduler) drain(ctx context.Context, t *tracked) {
	defer s.wg.Done()
	for part := range t.sendCh {
		s.record(t, s.send(ctx, t.job, part))
	}
}

func (s *Scheduler) send(ctx context.Context, job Job, part split.Part) dispatch.Outcome {
	logger := logging.WithContext(ctx, s.logger)
	outcome := dispatch.Outcome{PartIndex: part.Index, StartedAt: s.now()}
	attachment := dispatch.Attachment{Filename: part.Filename, Path: part.Path, MIMEKind: part.MIMEKind}
	receipt, err := s.client.Send(ctx, []dispatch.Attachment{attachment}, PartSubject(job.Subject, part))
	outcome.FinishedAt = s.now()
	outcome.Receipt = receipt
	outcome.Err = err

	if err != nil {
		s.metrics.IncPartsDispatched(job.Source, "error")
		logging.WarnWithContext(logger, "part dispatch failed; continuing with remaining parts", "part_dispatch_failed",
			logging.Int(logging.FieldPartIndex, part.Index+1),
			logging.Int(logging.FieldPartTotal, part.Total),
			logging.String("attachment", part.Filename),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, faults.Hint(err)),
			logging.String(logging.FieldImpact, "archive stays on disk until the retention sweep"),
		)
		return outcome
	}
	s.metrics.IncPartsDispatched(job.Source, "ok")
	logger.Info("part dispatched",
		logging.Int(logging.FieldPartIndex, part.Index+1),
		logging.Int(logging.FieldPartTotal, part.Total),
		logging.Int64("part_bytes", part.Size),
		logging.String("message_id", receipt.MessageID),
		logging.String(logging.FieldEventType, "part_dispatched"),
	)
	return outcome
}

func (s *Scheduler) record(t *tracked, outcome dispatch.Outcome) {
	s.mu.Lock()
	t.outcomes = append(t.outcomes, outcome)
	if len(t.outcomes) < len(t.job.Parts) {
		s.mu.Unlock()
		return
	}
	t.state = Complete
	t.completedAt = s.now()
	close(t.done)
	snap := snapshotLocked(t)
	s.evictLocked()
	s.mu.Unlock()

	status := snap.Outcome()
	s.metrics.IncJobsCompleted(snap.Source, status)
	s.metrics.SetJobsInFlight(s.inFlight())
	s.logger.Info("delivery complete",
		logging.String(logging.FieldJobID, snap.ID),
		logging.String(logging.FieldSource, snap.Source),
		logging.String("status", status),
		logging.Int(logging.FieldPartTotal, len(snap.Parts)),
		logging.Int("failed_parts", snap.Failed()),
		logging.String(logging.FieldEventType, "delivery_complete"),
	)
	if t.job.OnComplete != nil {
		t.job.OnComplete(snap)
	}
}

func (s *Scheduler) evictLocked() {
	completed := 0
	for _, id := range s.order {
		if s.jobs[id].state == Complete {
			completed++
		}
	}
	if completed <= completedHistory {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if completed > completedHistory && s.jobs[id].state == Complete {
			delete(s.jobs, id)
			completed--
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Scheduler) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.jobs {
		if t.state != Complete {
			n++
		}
	}
	return n
}

func (s *Scheduler) snapshotOf(t *tracked) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshotLocked(t)
}

func snapshotLocked(t *tracked) Snapshot {
	return Snapshot{
		ID:          t.job.ID,
		Source:      t.job.Source,
		Subject:     t.job.Subject,
		Archive:     t.job.Archive,
		Parts:       slices.Clone(t.job.Parts),
		State:       t.state,
		Triggers:    slices.Clone(t.triggers),
		Remaining:   len(t.queue),
		Outcomes:    slices.Clone(t.outcomes),
		SubmittedAt: t.submittedAt,
		CompletedAt: t.completedAt,
	}
}

// UntilNextMinute returns the wait from now to the next minute boundary.
func UntilNextMinute(now time.Time) time.Duration {
	next := now.Truncate(time.Minute).Add(time.Minute)
	return next.Sub(now)
}
