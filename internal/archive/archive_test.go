package archive_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"parcel/internal/archive"
	"parcel/internal/faults"
	"parcel/internal/fileutil"
	"parcel/internal/logging"
	"parcel/internal/period"
	"parcel/internal/testsupport"
)

func TestBuildPackagesDirectory(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "2026-10-17")
	testsupport.WriteCaptureDir(t, src, 4096, "a.txt", "b.bin")
	testsupport.WriteFile(t, filepath.Join(src, "nested", "c.dat"), 1024)

	out := filepath.Join(base, "out")
	builder := archive.NewBuilder(out, logging.NewNop())
	arch, err := builder.Build(context.Background(), src, "2026-10-17_inbox_default")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if arch.OutputPath != filepath.Join(out, "2026-10-17_inbox_default.zip") {
		t.Fatalf("unexpected output path %q", arch.OutputPath)
	}
	info, err := os.Stat(arch.OutputPath)
	if err != nil {
		t.Fatalf("stat archive: %v", err)
	}
	if info.Size() != arch.Size {
		t.Fatalf("size = %d, on disk %d", arch.Size, info.Size())
	}
	digest, err := fileutil.HashFile(arch.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	if digest != arch.Digest {
		t.Fatalf("digest = %s, want %s", arch.Digest, digest)
	}

	zr, err := zip.OpenReader(arch.OutputPath)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{"2026-10-17/", "2026-10-17/a.txt", "2026-10-17/b.bin", "2026-10-17/nested/", "2026-10-17/nested/c.dat"}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("entries = %v, want %v", names, want)
		}
	}

	leftovers, _ := filepath.Glob(filepath.Join(out, ".*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestBuildWithoutHintUsesPreviousPeriod(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "My Captures")
	testsupport.WriteCaptureDir(t, src, 10, "x")

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.Local)
	builder := archive.NewBuilder(filepath.Join(base, "out"), nil,
		archive.WithClock(func() time.Time { return now }),
		archive.WithGranularity(period.Month))
	arch, err := builder.Build(context.Background(), src, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	pattern := regexp.MustCompile(`^2026-02_My-Captures_[0-9a-f]{8}\.zip$`)
	if !pattern.MatchString(arch.Name()) {
		t.Fatalf("unexpected default name %q", arch.Name())
	}
	if arch.Period.String() != "2026-02" {
		t.Fatalf("period = %s", arch.Period)
	}
}

func TestBuildMissingSource(t *testing.T) {
	base := t.TempDir()
	builder := archive.NewBuilder(filepath.Join(base, "out"), nil)

	_, err := builder.Build(context.Background(), filepath.Join(base, "absent"), "x")
	if !errors.Is(err, faults.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
	var notFound *archive.SourceNotFoundError
	if !errors.As(err, &notFound) || notFound.Path != filepath.Join(base, "absent") {
		t.Fatalf("expected SourceNotFoundError, got %#v", err)
	}

	file := filepath.Join(base, "plain")
	testsupport.WriteFile(t, file, 1)
	if _, err := builder.Build(context.Background(), file, "x"); !errors.Is(err, faults.ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound for regular file, got %v", err)
	}
}

func TestBuildOutputRootFailureIsClassified(t *testing.T) {
	base := t.TempDir()
	blocked := filepath.Join(base, "out")
	testsupport.WriteFile(t, blocked, 1)
	src := filepath.Join(base, "src")
	testsupport.WriteCaptureDir(t, src, 16, "a.txt")

	_, err := archive.NewBuilder(blocked, nil).Build(context.Background(), src, "x")
	if !errors.Is(err, faults.ErrArchive) {
		t.Fatalf("expected ErrArchive, got %v", err)
	}
	if kind := faults.Kind(err); kind != "archive" {
		t.Fatalf("Kind = %q, want archive", kind)
	}
	if !strings.Contains(err.Error(), "create output root") {
		t.Fatalf("error %q lacks the failed operation", err)
	}
}

func TestBuildCancelledLeavesNoPartialArchive(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	testsupport.WriteCaptureDir(t, src, 128, "a", "b", "c")
	out := filepath.Join(base, "out")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := archive.NewBuilder(out, nil).Build(ctx, src, "cancelled"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty output root, found %d entries", len(entries))
	}
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"2026-10-17_inbox_daily": "2026-10-17_inbox_daily",
		"Résumé Été":             "Resume-Ete",
		"  spaced   out  ":       "spaced-out",
		"weird/../name.zip":      "weird..name",
		".hidden":                "hidden",
		"日本":                     "",
	}
	for in, want := range tests {
		if got := archive.SanitizeName(in); got != want {
			t.Fatalf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsArchiveFile(t *testing.T) {
	for name, want := range map[string]bool{
		"2026-10-17_inbox.zip":   true,
		"2026-10-17_inbox.zip.3": true,
		"2026-10-17_inbox.zip.x": false,
		".2026.zip.123.tmp":      false,
		"notes.txt":              false,
	} {
		if got := archive.IsArchiveFile(name); got != want {
			t.Fatalf("IsArchiveFile(%q) = %v", name, got)
		}
	}
}

func TestListReturnsFiles(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "notes")
	testsupport.WriteCaptureDir(t, src, 100, "a.txt")
	testsupport.WriteFile(t, filepath.Join(src, "sub", "b.txt"), 50)

	arch, err := archive.NewBuilder(filepath.Join(base, "out"), logging.NewNop()).Build(context.Background(), src, "notes")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	entries, err := archive.List(arch.OutputPath)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := map[string]uint64{}
	for _, e := range entries {
		got[e.Name] = e.Size
	}
	if len(got) != 2 || got["notes/a.txt"] != 100 || got["notes/sub/b.txt"] != 50 {
		t.Fatalf("unexpected entries %v", entries)
	}

	if _, err := archive.List(filepath.Join(base, "missing.zip")); err == nil {
		t.Fatal("expected error for missing archive")
	}
}
