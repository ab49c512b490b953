package retention

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"parcel/internal/archive"
	"parcel/internal/fileutil"
	"parcel/internal/logging"
	"parcel/internal/metrics"
	"parcel/internal/period"
	"parcel/internal/sources"
)

// ErrProtected marks a path skipped because a cycle is packaging its period.
var ErrProtected = errors.New("period is being packaged")

// ErrBusy marks a path skipped because an unfinished delivery still needs it.
var ErrBusy = errors.New("path belongs to an unfinished delivery")

// Result contains the outcome of a reclaim or sweep.
type Result struct {
	Removed []string
	Bytes   int64
	Errors  []ReclaimError
}

// Err joins the collected errors, or returns nil.
func (r Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Errors))
	for i := range r.Errors {
		errs = append(errs, &r.Errors[i])
	}
	return errors.Join(errs...)
}

func (r *Result) merge(other Result) {
	r.Removed = append(r.Removed, other.Removed...)
	r.Bytes += other.Bytes
	r.Errors = append(r.Errors, other.Errors...)
}

// Target is a capture tree whose expired directories the sweep deletes.
type Target struct {
	Source      string
	Granularity period.Granularity
	Discoverer  sources.Discoverer
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetrics records reclaimed bytes and failures.
func WithMetrics(m metrics.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = metrics.OrNoop(m)
	}
}

// WithBusyCheck skips any path for which busy returns true.
func WithBusyCheck(busy func(path string) bool) Option {
	return func(mgr *Manager) {
		mgr.busy = busy
	}
}

// WithTargets registers capture trees for the sweep.
func WithTargets(targets ...Target) Option {
	return func(mgr *Manager) {
		mgr.targets = append(mgr.targets, targets...)
	}
}

// Manager deletes delivered and expired data.
type Manager struct {
	outputRoot string
	lag        int
	targets    []Target
	busy       func(path string) bool
	logger     *slog.Logger
	metrics    metrics.Metrics

	mu        sync.Mutex
	protected map[string]int
}

// NewManager constructs a Manager for outputRoot. lagPeriods below 1 is
// treated as 1 so the window never reaches the current period.
func NewManager(outputRoot string, lagPeriods int, logger *slog.Logger, opts ...Option) *Manager {
	if lagPeriods < 1 {
		lagPeriods = 1
	}
	m := &Manager{
		outputRoot: outputRoot,
		lag:        lagPeriods,
		logger:     logging.NewComponentLogger(logger, "retention"),
		metrics:    metrics.Noop{},
		protected:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Protect marks label as being packaged until the returned release runs.
func (m *Manager) Protect(label period.Label) (release func()) {
	key := label.String()
	m.mu.Lock()
	m.protected[key]++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.protected[key]--; m.protected[key] <= 0 {
				delete(m.protected, key)
			}
		})
	}
}

// Window returns the period the sweep deletes for current.
func (m *Manager) Window(current period.Label) period.Label {
	return current.Previous(m.lag)
}

// Reclaim deletes a delivered archive, its part files, and optionally the
// capture directory it was built from.
func (m *Manager) Reclaim(ctx context.Context, source string, arch archive.Archive, partPaths []string, captureDir string) Result {
	paths := make([]string, 0, len(partPaths)+2)
	seen := make(map[string]struct{}, cap(paths))
	add := func(p string) {
		if p == "" {
			return
		}
		if _, dup := seen[p]; dup {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for _, p := range partPaths {
		add(p)
	}
	add(arch.OutputPath)
	add(captureDir)

	logger := logging.WithContext(ctx, m.logger)
	result := m.remove(ctx, source, paths, nil)
	m.report(logger, source, "reclaim", result)
	return result
}

// SweepExpiredPeriods deletes everything tagged with the retention window
// of current: the inbox directory and archives under the output root and
// the matching capture directories of registered trees.
func (m *Manager) SweepExpiredPeriods(ctx context.Context, current period.Label) Result {
	window := m.Window(current)
	logger := logging.WithContext(logging.WithPeriod(ctx, window.String()), m.logger)

	var result Result
	var outputPaths []string
	entries, err := os.ReadDir(m.outputRoot)
	if err != nil && !os.IsNotExist(err) {
		result.Errors = append(result.Errors, ReclaimError{Path: m.outputRoot, Err: err})
	}
	for _, entry := range entries {
		name := entry.Name()
		if !window.Tags(name) || current.Tags(name) {
			continue
		}
		if entry.IsDir() && name != window.String() {
			continue
		}
		if !entry.IsDir() && !archive.IsArchiveFile(name) {
			continue
		}
		outputPaths = append(outputPaths, filepath.Join(m.outputRoot, name))
	}
	sort.Strings(outputPaths)
	outputResult := m.remove(ctx, "output", outputPaths, &current)
	m.report(logger, "output", "sweep", outputResult)
	result.merge(outputResult)

	for _, target := range m.targets {
		if target.Granularity != current.Granularity() || target.Discoverer == nil {
			continue
		}
		dirs, err := target.Discoverer.Discover(window)
		if err != nil {
			result.Errors = append(result.Errors, ReclaimError{Path: target.Source, Err: err})
			continue
		}
		paths := make([]string, 0, len(dirs))
		for _, dir := range dirs {
			paths = append(paths, dir.Path)
		}
		targetResult := m.remove(ctx, target.Source, paths, &current)
		m.report(logger, target.Source, "sweep", targetResult)
		result.merge(targetResult)
	}
	return result
}

func (m *Manager) remove(ctx context.Context, source string, paths []string, current *period.Label) Result {
	var result Result
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, ReclaimError{Path: path, Err: err})
			continue
		}
		name := filepath.Base(path)
		if current != nil && current.Tags(name) {
			continue
		}
		if m.isProtected(name) {
			result.Errors = append(result.Errors, ReclaimError{Path: path, Err: ErrProtected})
			continue
		}
		if m.busy != nil && m.busy(path) {
			result.Errors = append(result.Errors, ReclaimError{Path: path, Err: ErrBusy})
			continue
		}
		size, err := fileutil.PathSize(path)
		if err != nil {
			result.Errors = append(result.Errors, ReclaimError{Path: path, Err: err})
			continue
		}
		if _, err := os.Lstat(path); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			result.Errors = append(result.Errors, ReclaimError{Path: path, Err: err})
			m.metrics.IncReclaimErrors(source)
			continue
		}
		result.Removed = append(result.Removed, path)
		result.Bytes += size
	}
	m.metrics.AddBytesReclaimed(source, result.Bytes)
	return result
}

func (m *Manager) isProtected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for label := range m.protected {
		if name == label || strings.HasPrefix(name, label+"_") {
			return true
		}
	}
	return false
}

func (m *Manager) report(logger *slog.Logger, source, action string, result Result) {
	for _, failure := range result.Errors {
		logging.WarnWithContext(logger, "failed to remove path", "reclaim_failed",
			logging.String(logging.FieldSource, source),
			logging.String("action", action),
			logging.String("path", failure.Path),
			logging.Error(failure.Err),
			logging.String(logging.FieldErrorHint, "check permissions; the next sweep retries expired data"),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
	}
	if len(result.Removed) == 0 {
		return
	}
	logger.Info("storage reclaimed",
		logging.String(logging.FieldSource, source),
		logging.String("action", action),
		logging.Int("paths", len(result.Removed)),
		logging.Int64("reclaimed_bytes", result.Bytes),
		logging.String(logging.FieldEventType, "storage_reclaimed"),
	)
}
