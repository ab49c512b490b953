package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"parcel/internal/config"
	"parcel/internal/delivery"
)

// FileName is the journal database name inside the log directory.
const FileName = "journal.db"

// Store persists completed delivery jobs in SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Entry is one completed job as stored in the journal.
type Entry struct {
	JobID        string
	Source       string
	Period       string
	Archive      string
	ArchiveBytes int64
	Digest       string
	Subject      string
	Parts        int
	FailedParts  int
	Status       string
	FirstError   string
	SubmittedAt  time.Time
	CompletedAt  time.Time
}

// Open initializes or connects to the journal in cfg's log directory.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	return OpenPath(filepath.Join(cfg.Paths.LogDir, FileName))
}

// OpenPath opens the journal at dbPath.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores a completed job. Recording the same job twice replaces the
// earlier row.
func (s *Store) Record(ctx context.Context, snap delivery.Snapshot) error {
	var firstErr any
	for _, o := range snap.Outcomes {
		if o.Err != nil {
			firstErr = o.Err.Error()
			break
		}
	}
	completed := snap.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO deliveries (
            job_id, source, period, archive, archive_bytes, digest, subject,
            parts, failed_parts, status, first_error, submitted_at, completed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID,
		snap.Source,
		snap.Archive.Period.String(),
		snap.Archive.Name(),
		snap.Archive.Size,
		nullableString(snap.Archive.Digest),
		snap.Subject,
		len(snap.Parts),
		snap.Failed(),
		snap.Outcome(),
		firstErr,
		formatTime(snap.SubmittedAt),
		formatTime(completed),
	)
	if err != nil {
		return fmt.Errorf("record delivery %s: %w", snap.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, source, period, archive, archive_bytes, digest, subject,
                parts, failed_parts, status, first_error, submitted_at, completed_at
           FROM deliveries
          ORDER BY completed_at DESC
          LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                    Entry
			digest, firstErr     sql.NullString
			submitted, completed string
		)
		if err := rows.Scan(&e.JobID, &e.Source, &e.Period, &e.Archive, &e.ArchiveBytes, &digest, &e.Subject,
			&e.Parts, &e.FailedParts, &e.Status, &firstErr, &submitted, &completed); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		e.Digest = digest.String
		e.FirstError = firstErr.String
		e.SubmittedAt = parseTime(submitted)
		e.CompletedAt = parseTime(completed)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries completed before cutoff and reports how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM deliveries WHERE completed_at < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return res.RowsAffected()
}

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
