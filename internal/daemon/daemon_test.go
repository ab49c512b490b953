package daemon_test

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parcel/internal/config"
	"parcel/internal/daemon"
	"parcel/internal/dispatch"
	"parcel/internal/logging"
	"parcel/internal/metrics"
	"parcel/internal/period"
	"parcel/internal/pipeline"
	"parcel/internal/testsupport"
)

func newDaemon(t *testing.T, cfg *config.Config, client dispatch.Client, opts ...daemon.Option) *daemon.Daemon {
	t.Helper()
	d, _ := newDaemonWithRunner(t, cfg, client, opts...)
	return d
}

func newDaemonWithRunner(t *testing.T, cfg *config.Config, client dispatch.Client, opts ...daemon.Option) (*daemon.Daemon, *pipeline.Runner) {
	t.Helper()
	runner, err := pipeline.NewFromConfig(cfg, client, nil, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	d, err := daemon.New(cfg, runner, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, runner
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d := newDaemon(t, cfg, &dispatch.Recorder{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	status := d.Status()
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.LockFilePath != filepath.Join(cfg.Paths.LogDir, "parcel.lock") {
		t.Fatalf("unexpected lock path %q", status.LockFilePath)
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	other := newDaemon(t, cfg, &dispatch.Recorder{})
	if err := other.Start(ctx); err == nil {
		t.Fatal("expected a second instance to be refused by the lock")
	}

	d.Stop()
	if d.Status().Running {
		t.Fatal("expected daemon to be stopped")
	}
	if err := other.Start(ctx); err != nil {
		t.Fatalf("lock should be free after stop: %v", err)
	}
}

func TestStepRunsDueCycle(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithTreeSource("reports", true, "daily"))
	midnight := time.Date(2026, 10, 18, 0, 0, 0, 0, time.Local)
	src, _ := cfg.Source("reports")
	testsupport.WriteCaptureDir(t, filepath.Join(src.Root, "daily", period.Of(period.Day, midnight).Previous(1).String()), 300, "a.bin")

	recorder := &dispatch.Recorder{}
	d, runner := newDaemonWithRunner(t, cfg, recorder, daemon.WithClock(func() time.Time { return midnight }))

	d.Step(context.Background(), midnight.Add(30*time.Second))
	runner.Wait()

	if len(recorder.Calls()) != 1 {
		t.Fatalf("calls = %d, want 1", len(recorder.Calls()))
	}

	status := d.Status()
	if status.Ticks != 1 {
		t.Fatalf("ticks = %d, want 1", status.Ticks)
	}
	var found bool
	for _, s := range status.Sources {
		if s.Name == "reports" {
			found = true
			want := midnight.AddDate(0, 0, 1)
			if !s.NextRun.Equal(want) {
				t.Fatalf("next run = %s, want %s", s.NextRun, want)
			}
		}
	}
	if !found {
		t.Fatal("reports missing from status")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Metrics.Bind = "127.0.0.1:0"
	prom := metrics.NewProm("parcel")
	prom.IncArchivesBuilt("inbox")

	d := newDaemon(t, cfg, &dispatch.Recorder{}, daemon.WithMetricsHandler(prom.Handler()))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	addr := d.Status().MetricsAddr
	if addr == "" {
		t.Fatal("expected metrics listener address")
	}

	resp, err := http.Get("http://" + addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "parcel_archives_built_total") {
		t.Fatalf("metrics body missing counter:\n%s", body)
	}
}
