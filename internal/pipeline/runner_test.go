package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"parcel/internal/archive"
	"parcel/internal/config"
	"parcel/internal/delivery"
	"parcel/internal/dispatch"
	"parcel/internal/faults"
	"parcel/internal/logging"
	"parcel/internal/period"
	"parcel/internal/pipeline"
	"parcel/internal/sources"
	"parcel/internal/split"
	"parcel/internal/testsupport"
)

func newRunner(t *testing.T, cfg *config.Config, client dispatch.Client) *pipeline.Runner {
	t.Helper()
	runner, err := pipeline.NewFromConfig(cfg, client, nil, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(runner.Scheduler().Stop)
	return runner
}

func treeRoot(t *testing.T, cfg *config.Config, name string) string {
	t.Helper()
	src, ok := cfg.Source(name)
	if !ok {
		t.Fatalf("source %s not configured", name)
	}
	return src.Root
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// drain fires the scheduler until every job has handed off its parts.
func drain(t *testing.T, runner *pipeline.Runner) {
	t.Helper()
	start := time.Now()
	for i := 1; i <= 200; i++ {
		runner.Scheduler().Tick(start.Add(time.Duration(i) * time.Hour))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Scheduler().Wait(ctx); err != nil {
		t.Fatalf("wait for deliveries: %v", err)
	}
}

func TestRunCycleSinglePartDeliversAndReclaims(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTreeSource("reports", true, "daily"))
	now := time.Now()
	label := period.Of(period.Day, now).Previous(1)
	capture := filepath.Join(treeRoot(t, cfg, "reports"), "daily", label.String())
	testsupport.WriteCaptureDir(t, capture, 2048, "a.bin", "b.bin")

	recorder := &dispatch.Recorder{}
	runner := newRunner(t, cfg, recorder)

	report, err := runner.RunCycle(context.Background(), "reports", now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !report.Label.Equal(label) {
		t.Fatalf("label = %s, want %s", report.Label, label)
	}
	if len(report.Archives) != 1 || len(report.Jobs) != 1 {
		t.Fatalf("expected one archive and one job, got %d/%d", len(report.Archives), len(report.Jobs))
	}
	job := report.Jobs[0]
	if job.State != delivery.Complete || !job.Delivered() {
		t.Fatalf("single-part job should complete during submit: %+v", job)
	}

	calls := recorder.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	wantSubject := fmt.Sprintf("reports daily %s", label)
	if calls[0].Subject != wantSubject {
		t.Fatalf("subject = %q, want %q", calls[0].Subject, wantSubject)
	}
	if got := calls[0].Attachments[0].Filename; got != report.Archives[0].Name() {
		t.Fatalf("attachment = %q, want %q", got, report.Archives[0].Name())
	}

	if exists(report.Archives[0].OutputPath) {
		t.Fatal("delivered archive should be reclaimed")
	}
	if exists(capture) {
		t.Fatal("capture directory should be reclaimed when reclaim_source is set")
	}
}

func TestRunCycleMultiPartDeliversInOrder(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithTreeSource("reports", false, "daily"),
		testsupport.WithMaxPartBytes(1024),
	)
	now := time.Now()
	label := period.Of(period.Day, now).Previous(1)
	capture := filepath.Join(treeRoot(t, cfg, "reports"), "daily", label.String())
	testsupport.WriteCaptureDir(t, capture, 5000, "payload.bin")

	recorder := &dispatch.Recorder{}
	runner := newRunner(t, cfg, recorder)

	report, err := runner.RunCycle(context.Background(), "reports", now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(report.Jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(report.Jobs))
	}
	job := report.Jobs[0]
	total := len(job.Parts)
	if total < 2 {
		t.Fatalf("expected a split archive, got %d parts", total)
	}
	if job.State != delivery.Scheduled {
		t.Fatalf("state = %s, want scheduled", job.State)
	}
	if len(recorder.Calls()) != 0 {
		t.Fatal("no part should be sent before its trigger minute")
	}

	drain(t, runner)

	calls := recorder.Calls()
	if len(calls) != total {
		t.Fatalf("calls = %d, want %d", len(calls), total)
	}
	for i, call := range calls {
		suffix := fmt.Sprintf("(%d/%d)", i+1, total)
		if !strings.HasSuffix(call.Subject, suffix) {
			t.Fatalf("call %d subject %q lacks %q", i, call.Subject, suffix)
		}
		if call.Attachments[0].MIMEKind != job.Parts[i].MIMEKind || call.Attachments[0].Path != job.Parts[i].Path {
			t.Fatalf("call %d sent %+v, want part %+v", i, call.Attachments[0], job.Parts[i])
		}
	}

	final, ok := runner.Scheduler().Job(job.ID)
	if !ok || final.State != delivery.Complete || !final.Delivered() {
		t.Fatalf("job not delivered: %+v", final)
	}
	if exists(report.Archives[0].OutputPath) {
		t.Fatal("archive should be reclaimed")
	}
	for _, part := range job.Parts {
		if exists(part.Path) {
			t.Fatalf("part %s should be reclaimed", part.Path)
		}
	}
	if !exists(capture) {
		t.Fatal("capture directory must stay when reclaim_source is off")
	}
}

func TestRunCycleKeepsFilesWhenAPartFails(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithTreeSource("reports", true, "daily"),
		testsupport.WithMaxPartBytes(1024),
	)
	now := time.Now()
	capture := filepath.Join(treeRoot(t, cfg, "reports"), "daily", period.Of(period.Day, now).Previous(1).String())
	testsupport.WriteCaptureDir(t, capture, 4000, "payload.bin")

	recorder := &dispatch.Recorder{Fail: func(call int, _ []dispatch.Attachment) error {
		if call == 1 {
			return errors.New("relay rejected message")
		}
		return nil
	}}
	runner := newRunner(t, cfg, recorder)

	report, err := runner.RunCycle(context.Background(), "reports", now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	job := report.Jobs[0]
	drain(t, runner)

	if got := len(recorder.Calls()); got != len(job.Parts) {
		t.Fatalf("a failed part must not halt the job: calls = %d, want %d", got, len(job.Parts))
	}
	final, _ := runner.Scheduler().Job(job.ID)
	if final.Failed() != 1 || final.Delivered() {
		t.Fatalf("expected exactly one failed part, got %d", final.Failed())
	}
	if !errors.Is(final.Outcomes[1].Err, faults.ErrDispatch) {
		t.Fatalf("outcome error %v should match ErrDispatch", final.Outcomes[1].Err)
	}
	if !exists(report.Archives[0].OutputPath) || !exists(capture) {
		t.Fatal("files must stay on disk until the retention sweep after a failed part")
	}
	for _, part := range job.Parts {
		if !exists(part.Path) {
			t.Fatalf("part %s should remain", part.Path)
		}
	}
}

func TestRunCycleMissingCaptureStillSweeps(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTreeSource("reports", true, "daily"))
	now := time.Now()
	packaged := period.Of(period.Day, now).Previous(1)
	root := treeRoot(t, cfg, "reports")
	expired := filepath.Join(root, "daily", packaged.Previous(1).String())
	testsupport.WriteCaptureDir(t, expired, 128, "old.bin")
	expiredArchive := filepath.Join(cfg.Paths.OutputDir, packaged.Previous(1).String()+"_reports_daily.zip")
	testsupport.WriteFile(t, expiredArchive, 256)

	recorder := &dispatch.Recorder{}
	runner := newRunner(t, cfg, recorder)

	report, err := runner.RunCycle(context.Background(), "reports", now)
	if !errors.Is(err, faults.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	if len(recorder.Calls()) != 0 {
		t.Fatal("nothing should be sent")
	}
	if exists(expired) || exists(expiredArchive) {
		t.Fatal("the sweep should remove the expired period")
	}
	if len(report.Swept.Removed) != 2 {
		t.Fatalf("swept %v, want two paths", report.Swept.Removed)
	}
}

func TestRunCycleUnknownSource(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	runner := newRunner(t, cfg, &dispatch.Recorder{})
	if _, err := runner.RunCycle(context.Background(), "nope", time.Now()); !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestRunCyclePackagesPreviousPeriodByDefault(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	now := time.Now()
	yesterday := period.Of(period.Day, now).Previous(1)
	testsupport.WriteCaptureDir(t, filepath.Join(cfg.Paths.OutputDir, yesterday.String()), 512, "note.txt")

	recorder := &dispatch.Recorder{}
	runner := newRunner(t, cfg, recorder)

	report, err := runner.RunCycle(context.Background(), "inbox", now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !report.Label.Equal(yesterday) {
		t.Fatalf("label = %s, want %s", report.Label, yesterday)
	}
	if len(recorder.Calls()) != 1 {
		t.Fatalf("calls = %d, want 1", len(recorder.Calls()))
	}
	if want := fmt.Sprintf("inbox %s", yesterday); recorder.Calls()[0].Subject != want {
		t.Fatalf("subject = %q, want %q", recorder.Calls()[0].Subject, want)
	}
}

func TestTickStartsMatchingSources(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTreeSource("reports", true, "daily"))
	midnight := time.Date(2026, 10, 18, 0, 0, 0, 0, time.Local)
	capture := filepath.Join(treeRoot(t, cfg, "reports"), "daily", period.Of(period.Day, midnight).Previous(1).String())
	testsupport.WriteCaptureDir(t, capture, 256, "a.bin")

	recorder := &dispatch.Recorder{}
	runner := newRunner(t, cfg, recorder)

	if started := runner.Tick(context.Background(), midnight.Add(time.Minute)); len(started) != 0 {
		t.Fatalf("no schedule matches 00:01, started %v", started)
	}
	started := runner.Tick(context.Background(), midnight)
	if len(started) != 1 || started[0] != "reports" {
		t.Fatalf("started = %v, want [reports]", started)
	}
	runner.Wait()
	if len(recorder.Calls()) != 1 {
		t.Fatalf("calls = %d, want 1", len(recorder.Calls()))
	}
}

func TestRenderSubject(t *testing.T) {
	label, err := period.Parse(period.Month, "2026-09")
	if err != nil {
		t.Fatalf("parse label: %v", err)
	}
	tests := []struct {
		template string
		dir      sources.CaptureDir
		want     string
	}{
		{"{source} {label}", sources.CaptureDir{Source: "inbox", Label: label}, "inbox 2026-09"},
		{"[{source}] {category} {label}", sources.CaptureDir{Source: "reports", Category: "audit", Label: label}, "[reports] audit 2026-09"},
		{"{source}  {category}", sources.CaptureDir{Source: "inbox", Label: label}, "inbox default"},
	}
	for _, tt := range tests {
		if got := pipeline.RenderSubject(tt.template, tt.dir); got != tt.want {
			t.Errorf("RenderSubject(%q) = %q, want %q", tt.template, got, tt.want)
		}
	}
}

type memJournal struct {
	mu    sync.Mutex
	snaps []delivery.Snapshot
}

func (m *memJournal) Record(_ context.Context, snap delivery.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
	return nil
}

func TestRunCycleJournalsCompletedJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	now := time.Now()
	testsupport.WriteCaptureDir(t, filepath.Join(cfg.Paths.OutputDir, period.Of(period.Day, now).Previous(1).String()), 128, "a.txt")

	j := &memJournal{}
	runner, err := pipeline.NewFromConfig(cfg, &dispatch.Recorder{}, nil, nil, logging.NewNop(), pipeline.WithJournal(j))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(runner.Scheduler().Stop)

	report, err := runner.RunCycle(context.Background(), "inbox", now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.snaps) != 1 || j.snaps[0].ID != report.Jobs[0].ID || j.snaps[0].Outcome() != "delivered" {
		t.Fatalf("unexpected journal contents %+v", j.snaps)
	}
}

func TestRunCycleKeepsTreeWhenPackagingCurrentPeriod(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTreeSource("reports", false, "daily"))
	cfg.Sources[1].PackageLag = new(0)
	now := time.Now()
	label := period.Of(period.Day, now)
	capture := filepath.Join(treeRoot(t, cfg, "reports"), "daily", label.String())
	testsupport.WriteCaptureDir(t, capture, 256, "a.bin")

	runner := newRunner(t, cfg, &dispatch.Recorder{})
	report, err := runner.RunCycle(context.Background(), "reports", now)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !report.Label.Equal(label) {
		t.Fatalf("label = %s, want %s", report.Label, label)
	}
	if !exists(capture) {
		t.Fatal("a tree without reclaim_source must keep its capture directory")
	}
}

// Files written into the inbox after the evening cycle belong to a period
// that has not been packaged yet; they must be delivered the next day
// rather than deleted.
func TestInboxFilesAddedAfterCycleAreDeliveredNextDay(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	day := time.Date(2026, 10, 17, 0, 0, 0, 0, time.Local)
	at := func(days, hour, minute int) time.Time {
		return time.Date(day.Year(), day.Month(), day.Day()+days, hour, minute, 0, 0, time.Local)
	}

	var mu sync.Mutex
	var delivered []string
	recorder := &dispatch.Recorder{Fail: func(_ int, attachments []dispatch.Attachment) error {
		entries, err := archive.List(attachments[0].Path)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		for _, entry := range entries {
			delivered = append(delivered, entry.Name)
		}
		return nil
	}}
	runner := newRunner(t, cfg, recorder)
	src, _ := runner.Source("inbox")
	inbox := src.Discoverer.(*sources.Inbox)

	stage := t.TempDir()
	add := func(name string, when time.Time) string {
		t.Helper()
		file := filepath.Join(stage, name)
		testsupport.WriteFile(t, file, 64)
		dst, err := inbox.Add(file, when)
		if err != nil {
			t.Fatalf("add %s: %v", name, err)
		}
		return dst
	}

	early := add("early.txt", at(0, 20, 30))
	if _, err := runner.RunCycle(context.Background(), "inbox", at(0, 21, 30)); !errors.Is(err, faults.ErrSourceNotFound) {
		t.Fatalf("first cycle packages the previous day, which is empty: %v", err)
	}
	if !exists(early) {
		t.Fatal("the current day's inbox must not be touched")
	}
	late := add("late.txt", at(0, 22, 30))

	report, err := runner.RunCycle(context.Background(), "inbox", at(1, 21, 30))
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if got := report.Label.String(); got != "2026-10-17" {
		t.Fatalf("label = %s, want 2026-10-17", got)
	}

	mu.Lock()
	got := strings.Join(delivered, ",")
	mu.Unlock()
	if got != "2026-10-17/early.txt,2026-10-17/late.txt" {
		t.Fatalf("delivered entries = %q", got)
	}
	if exists(late) || exists(early) {
		t.Fatal("delivered captures should be reclaimed")
	}
}

func TestRunCycleAbandonsJobWhenSplitFails(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithTreeSource("reports", true, "daily"),
		testsupport.WithMaxPartBytes(512),
	)
	now := time.Now()
	capture := filepath.Join(treeRoot(t, cfg, "reports"), "daily", period.Of(period.Day, now).Previous(1).String())
	testsupport.WriteCaptureDir(t, capture, 4000, "payload.bin")

	noSpace := split.WithFreeSpace(func(string) (uint64, bool, error) { return 0, true, nil })
	recorder := &dispatch.Recorder{}
	runner, err := pipeline.NewFromConfig(cfg, recorder, nil, nil, logging.NewNop(),
		pipeline.WithSplitter(split.NewSplitter(logging.NewNop(), noSpace)))
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	t.Cleanup(runner.Scheduler().Stop)

	report, err := runner.RunCycle(context.Background(), "reports", now)
	if !errors.Is(err, faults.ErrSplit) {
		t.Fatalf("expected ErrSplit, got %v", err)
	}
	if len(report.Jobs) != 0 {
		t.Fatalf("no job should be submitted, got %d", len(report.Jobs))
	}
	if len(recorder.Calls()) != 0 {
		t.Fatalf("nothing should be sent, got %d calls", len(recorder.Calls()))
	}
	entries, err := os.ReadDir(cfg.Paths.OutputDir)
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".zip") {
			t.Fatalf("abandoned archive data left behind: %s", entry.Name())
		}
	}
	if !exists(capture) {
		t.Fatal("capture data must stay when packaging fails")
	}
}
