package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"parcel/internal/fileutil"
	"parcel/internal/period"
	"parcel/internal/testsupport"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "Sources: 2")
	requireContains(t, out, "Reclaims")
	requireContains(t, out, "tree ("+env.treeRoot+")")

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	requireContains(t, out, "It defines 1 source(s)")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestPackAndJoinRoundTrip(t *testing.T) {
	env := setupCLITestEnv(t)
	src := filepath.Join(env.baseDir, "notes")
	testsupport.WriteCaptureDir(t, src, 3000, "a.bin", "b.bin")
	dest := filepath.Join(env.baseDir, "packed")

	out, _, err := runCLI(t, []string{"pack", src, "--output", dest, "--name", "notes", "--list"}, env.configPath)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	requireContains(t, out, "a.bin (2.9 KiB)")
	archivePath := filepath.Join(dest, "notes.zip")
	requireContains(t, out, archivePath)
	requireContains(t, out, "notes.zip.1of")

	parts, err := filepath.Glob(archivePath + ".*")
	if err != nil || len(parts) < 2 {
		t.Fatalf("expected split parts, got %v (%v)", parts, err)
	}
	sort.Strings(parts)

	joined := filepath.Join(env.baseDir, "joined.zip")
	out, _, err = runCLI(t, append([]string{"join", "-o", joined}, parts...), "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	requireContains(t, out, "Joined")

	want, err := fileutil.HashFile(archivePath)
	if err != nil {
		t.Fatalf("hash archive: %v", err)
	}
	got, err := fileutil.HashFile(joined)
	if err != nil {
		t.Fatalf("hash joined: %v", err)
	}
	if got != want {
		t.Fatalf("joined digest %s != archive digest %s", got, want)
	}
	requireContains(t, out, want)
}

func TestAddCopiesIntoInbox(t *testing.T) {
	env := setupCLITestEnv(t)
	file := filepath.Join(env.baseDir, "scan.pdf")
	testsupport.WriteFile(t, file, 512)

	out, _, err := runCLI(t, []string{"add", file}, env.configPath)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	requireContains(t, out, "Added scan.pdf")

	today := period.Of(period.Day, time.Now()).String()
	if _, err := os.Stat(filepath.Join(env.outputDir, today, "scan.pdf")); err != nil {
		t.Fatalf("expected inbox copy: %v", err)
	}

	if _, _, err := runCLI(t, []string{"add", "--source", "reports", file}, env.configPath); err == nil {
		t.Fatal("expected tree sources to reject add")
	}
}

func TestSendDryRun(t *testing.T) {
	env := setupCLITestEnv(t)
	first := filepath.Join(env.baseDir, "a.zip.1")
	second := filepath.Join(env.baseDir, "a.zip.2")
	testsupport.WriteFile(t, first, 100)
	testsupport.WriteFile(t, second, 100)

	out, _, err := runCLI(t, []string{"send", "--subject", "resend", first, second}, env.configPath)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Count(out, "Sent ") != 2 {
		t.Fatalf("expected two sent lines, got %q", out)
	}
	requireContains(t, out, "dry-run-")
}

func TestRunOnceDeliversTreeSource(t *testing.T) {
	env := setupCLITestEnv(t)
	yesterday := period.Of(period.Day, time.Now()).Previous(1).String()
	capture := filepath.Join(env.treeRoot, "daily", yesterday)
	testsupport.WriteCaptureDir(t, capture, 200, "x.bin")
	testsupport.WriteCaptureDir(t, filepath.Join(env.outputDir, yesterday), 200, "note.txt")

	if _, _, err := runCLI(t, []string{"run", "--once"}, env.configPath); err != nil {
		t.Fatalf("run --once: %v", err)
	}
	if _, err := os.Stat(capture); !os.IsNotExist(err) {
		t.Fatalf("capture directory should be reclaimed after delivery, stat err = %v", err)
	}
	leftovers, _ := filepath.Glob(filepath.Join(env.outputDir, "*.zip*"))
	if len(leftovers) != 0 {
		t.Fatalf("delivered archives should be reclaimed, found %v", leftovers)
	}

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, yesterday+"_reports_daily.zip")
	requireContains(t, out, "delivered")
}

func TestSweepRemovesExpiredInbox(t *testing.T) {
	env := setupCLITestEnv(t)
	packaged := period.Of(period.Day, time.Now()).Previous(1)
	expired := filepath.Join(env.outputDir, packaged.Previous(1).String())
	kept := filepath.Join(env.outputDir, packaged.String())
	testsupport.WriteCaptureDir(t, expired, 64, "old.txt")
	testsupport.WriteCaptureDir(t, kept, 64, "new.txt")

	out, _, err := runCLI(t, []string{"sweep"}, env.configPath)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	requireContains(t, out, "Removed "+expired)
	if _, err := os.Stat(expired); !os.IsNotExist(err) {
		t.Fatal("expired inbox directory should be removed")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Fatalf("the packaged period must survive: %v", err)
	}
}

func TestSweepRefusesWhileDaemonRuns(t *testing.T) {
	env := setupCLITestEnv(t)
	expired := filepath.Join(env.outputDir, period.Of(period.Day, time.Now()).Previous(2).String())
	testsupport.WriteCaptureDir(t, expired, 64, "old.txt")

	if err := os.MkdirAll(env.logDir, 0o755); err != nil {
		t.Fatalf("mkdir log dir: %v", err)
	}
	lock := flock.New(filepath.Join(env.logDir, "parcel.lock"))
	if err := lock.Lock(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer func() { _ = lock.Unlock() }()

	_, _, err := runCLI(t, []string{"sweep"}, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "daemon is running") {
		t.Fatalf("expected sweep to refuse, got %v", err)
	}
	if _, err := os.Stat(expired); err != nil {
		t.Fatalf("nothing may be removed while the daemon runs: %v", err)
	}
}

func TestStatusListsSources(t *testing.T) {
	env := setupCLITestEnv(t)
	testsupport.WriteFile(t, filepath.Join(env.outputDir, "2026-10-01_inbox.zip"), 300)

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"not running", "dry run", "reports", "inbox", "0 0 * * *", "2026-10-01_inbox.zip"} {
		requireContains(t, out, want)
	}
}
