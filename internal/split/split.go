package split

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"

	"parcel/internal/archive"
	"parcel/internal/fileutil"
	"parcel/internal/logging"
)

// MIME kinds attached to parts.
const (
	MIMEZip   = "application/zip"
	MIMEChunk = "application/octet-stream"
)

// Part is one ordered byte range of an archive, sized for mail transport.
type Part struct {
	// Index is 0-based.
	Index    int
	Total    int
	Path     string
	Size     int64
	MIMEKind string
	// Filename labels the attachment, e.g. "x.zip.2of3".
	Filename string
	Digest   string
}

// FreeSpaceFunc reports the available bytes on the filesystem holding dir.
// ok is false when the platform cannot tell.
type FreeSpaceFunc func(dir string) (free uint64, ok bool, err error)

// Option customizes a Splitter.
type Option func(*Splitter)

// WithFreeSpace overrides the free space probe.
func WithFreeSpace(fn FreeSpaceFunc) Option {
	return func(s *Splitter) {
		if fn != nil {
			s.freeSpace = fn
		}
	}
}

// Splitter cuts archives into attachment parts.
type Splitter struct {
	logger    *slog.Logger
	freeSpace FreeSpaceFunc
}

// NewSplitter constructs a Splitter.
func NewSplitter(logger *slog.Logger, opts ...Option) *Splitter {
	s := &Splitter{
		logger:    logging.NewComponentLogger(logger, "split"),
		freeSpace: fileutil.FreeBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PartCount returns how many parts an archive of size bytes needs.
func PartCount(size, maxPartBytes int64) int {
	if maxPartBytes <= 0 || size <= maxPartBytes {
		return 1
	}
	return int((size + maxPartBytes - 1) / maxPartBytes)
}

// Split returns the archive as one part when it fits in maxPartBytes, and
// otherwise writes ceil(size/maxPartBytes) contiguous part files next to it.
// On failure every part written so far is removed.
func (s *Splitter) Split(ctx context.Context, arch archive.Archive, maxPartBytes int64) ([]Part, error) {
	if maxPartBytes <= 0 {
		return nil, &SplitError{Archive: arch.OutputPath, Err: fmt.Errorf("max part bytes must be positive, got %d", maxPartBytes)}
	}
	if arch.Size <= maxPartBytes {
		return []Part{{
			Index:    0,
			Total:    1,
			Path:     arch.OutputPath,
			Size:     arch.Size,
			MIMEKind: MIMEZip,
			Filename: arch.Name(),
			Digest:   arch.Digest,
		}}, nil
	}

	total := PartCount(arch.Size, maxPartBytes)
	dir := filepath.Dir(arch.OutputPath)
	free, ok, err := s.freeSpace(dir)
	if err != nil {
		return nil, &SplitError{Archive: arch.OutputPath, Err: fmt.Errorf("check free space: %w", err)}
	}
	if ok && free < uint64(arch.Size) {
		return nil, &SplitError{Archive: arch.OutputPath, Err: fmt.Errorf("%w: need %d bytes, %d available", ErrInsufficientSpace, arch.Size, free)}
	}

	src, err := os.Open(arch.OutputPath)
	if err != nil {
		return nil, &SplitError{Archive: arch.OutputPath, Err: err}
	}
	defer src.Close()

	started := time.Now()
	parts := make([]Part, 0, total)
	cleanup := func() {
		for _, p := range parts {
			_ = os.Remove(p.Path)
		}
	}

	var written int64
	for i := range total {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, &SplitError{Archive: arch.OutputPath, Part: i + 1, Err: err}
		}
		want := maxPartBytes
		if remaining := arch.Size - written; remaining < want {
			want = remaining
		}
		part, err := writePart(src, arch, i, total, want)
		if part.Path != "" {
			parts = append(parts, part)
		}
		if err != nil {
			cleanup()
			return nil, &SplitError{Archive: arch.OutputPath, Part: i + 1, Err: err}
		}
		written += part.Size
	}
	if written != arch.Size {
		cleanup()
		return nil, &SplitError{Archive: arch.OutputPath, Err: fmt.Errorf("wrote %d of %d bytes", written, arch.Size)}
	}

	logging.WithContext(ctx, s.logger).Info("archive split",
		logging.String("archive", arch.Name()),
		logging.Int64("archive_bytes", arch.Size),
		logging.Int64("max_part_bytes", maxPartBytes),
		logging.Int(logging.FieldPartTotal, total),
		logging.Duration("elapsed", time.Since(started).Round(time.Millisecond)),
		logging.String(logging.FieldEventType, "archive_split"),
	)
	return parts, nil
}

func writePart(src io.Reader, arch archive.Archive, index, total int, size int64) (Part, error) {
	path := PartPath(arch.OutputPath, index+1)
	part := Part{
		Index:    index,
		Total:    total,
		Path:     path,
		MIMEKind: MIMEChunk,
		Filename: fmt.Sprintf("%s.%dof%d", arch.Name(), index+1, total),
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Part{}, err
	}
	defer f.Close()

	hasher := blake3.New()
	n, err := io.CopyN(io.MultiWriter(f, hasher), src, size)
	part.Size = n
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("archive truncated: %w", io.ErrUnexpectedEOF)
		}
		return part, err
	}
	if err := f.Sync(); err != nil {
		return part, err
	}
	if err := f.Close(); err != nil {
		return part, err
	}
	part.Digest = hex.EncodeToString(hasher.Sum(nil))
	return part, nil
}

// PartPath returns the file path of the 1-based part k of archivePath.
func PartPath(archivePath string, k int) string {
	return fmt.Sprintf("%s.%d", archivePath, k)
}
