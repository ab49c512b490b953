package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"

	"parcel/internal/faults"
	"parcel/internal/logging"
	"parcel/internal/period"
)

// Extension is appended to every archive file name.
const Extension = ".zip"

// Archive describes a packaged capture directory.
type Archive struct {
	SourcePath string
	OutputPath string
	Size       int64
	Period     period.Label
	// Digest is the hex BLAKE3-256 of the archive bytes.
	Digest  string
	Entries int
}

// Name returns the archive file name without directory.
func (a Archive) Name() string {
	return filepath.Base(a.OutputPath)
}

// Option customizes a Builder.
type Option func(*Builder)

// WithClock overrides the time source used to derive default names.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithGranularity sets the period unit used for default names.
func WithGranularity(g period.Granularity) Option {
	return func(b *Builder) {
		b.granularity = g
	}
}

// Builder packages directories into zip archives under an output root.
type Builder struct {
	outputRoot  string
	granularity period.Granularity
	now         func() time.Time
	logger      *slog.Logger
}

// NewBuilder constructs a Builder writing into outputRoot.
func NewBuilder(outputRoot string, logger *slog.Logger, opts ...Option) *Builder {
	b := &Builder{
		outputRoot:  outputRoot,
		granularity: period.Day,
		now:         time.Now,
		logger:      logging.NewComponentLogger(logger, "archive"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OutputRoot reports the directory archives are written to.
func (b *Builder) OutputRoot() string {
	return b.outputRoot
}

// Build packages sourceDir. Without a name hint the archive is named after the
// previous period, the directory basename, and a short random suffix.
func (b *Builder) Build(ctx context.Context, sourceDir, nameHint string) (Archive, error) {
	label := period.Of(b.granularity, b.now()).Previous(1)
	return b.BuildLabeled(ctx, sourceDir, label, nameHint)
}

// BuildLabeled packages sourceDir on behalf of the given period.
func (b *Builder) BuildLabeled(ctx context.Context, sourceDir string, label period.Label, nameHint string) (Archive, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return Archive{}, &SourceNotFoundError{Path: sourceDir, Err: err}
	}
	if !info.IsDir() {
		return Archive{}, &SourceNotFoundError{Path: sourceDir, Err: errors.New("not a directory")}
	}
	if err := os.MkdirAll(b.outputRoot, 0o755); err != nil {
		return Archive{}, buildError("create output root", b.outputRoot, err)
	}

	name := SanitizeName(nameHint)
	if name == "" {
		name = SanitizeName(fmt.Sprintf("%s_%s_%s", label, filepath.Base(sourceDir), uuid.NewString()[:8]))
	}
	outputPath := filepath.Join(b.outputRoot, name+Extension)

	started := time.Now()
	tmp, err := os.CreateTemp(b.outputRoot, "."+name+".*.tmp")
	if err != nil {
		return Archive{}, buildError("create temp archive", b.outputRoot, err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := blake3.New()
	counter := &countingWriter{}
	entries, err := writeZip(ctx, io.MultiWriter(tmp, hasher, counter), sourceDir)
	if err != nil {
		return Archive{}, buildError("write archive", sourceDir, err)
	}
	if err := tmp.Sync(); err != nil {
		return Archive{}, buildError("sync archive", outputPath, err)
	}
	if err := tmp.Close(); err != nil {
		return Archive{}, buildError("close archive", outputPath, err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return Archive{}, buildError("commit archive", outputPath, err)
	}
	committed = true

	final, err := os.Stat(outputPath)
	if err != nil {
		return Archive{}, buildError("stat archive", outputPath, err)
	}
	arch := Archive{
		SourcePath: sourceDir,
		OutputPath: outputPath,
		Size:       final.Size(),
		Period:     label,
		Digest:     hex.EncodeToString(hasher.Sum(nil)),
		Entries:    entries,
	}
	if arch.Size != counter.n {
		b.logger.Warn("archive size differs from bytes written",
			logging.String("archive", outputPath),
			logging.Int64("written_bytes", counter.n),
			logging.Int64("archive_bytes", arch.Size),
			logging.String(logging.FieldEventType, "archive_size_mismatch"),
			logging.String(logging.FieldErrorHint, "check the output filesystem for errors"),
			logging.String(logging.FieldImpact, "split ranges use the on-disk size"),
		)
	}
	logging.WithContext(ctx, b.logger).Info("archive built",
		logging.String("archive", arch.Name()),
		logging.Int64("archive_bytes", arch.Size),
		logging.Int("entries", entries),
		logging.Duration("elapsed", time.Since(started).Round(time.Millisecond)),
		logging.String(logging.FieldEventType, "archive_built"),
	)
	return arch, nil
}

func writeZip(ctx context.Context, w io.Writer, sourceDir string) (int, error) {
	zw := zip.NewWriter(w)
	root := filepath.Base(filepath.Clean(sourceDir))
	entries := 0

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(filepath.Join(root, rel))
		if d.IsDir() {
			header.Name += "/"
			header.Method = zip.Store
			if _, err := zw.CreateHeader(header); err != nil {
				return err
			}
			entries++
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		header.Method = zip.Deflate
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}
		if err := copyFile(entry, path); err != nil {
			return err
		}
		entries++
		return nil
	})
	if err != nil {
		_ = zw.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalize zip: %w", err)
	}
	return entries, nil
}

func buildError(operation, path string, err error) error {
	return faults.Wrap(faults.ErrArchive, "archive", operation, path, err)
}

func copyFile(dst io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// IsArchiveFile reports whether name looks like an archive or one of its parts.
func IsArchiveFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	if strings.HasSuffix(name, Extension) {
		return true
	}
	idx := strings.LastIndex(name, Extension+".")
	return idx > 0 && isDigits(name[idx+len(Extension)+1:])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
