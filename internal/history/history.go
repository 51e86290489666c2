// Package history persists finished jobs in a SQLite database so they
// survive restarts of the in-memory queue.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediaq/internal/consts"
	"mediaq/internal/entity"
	"mediaq/internal/errs"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const jobColumns = `id, url, title, status, destination, error_message, options_json,
	duration_ms, created_at, started_at, finished_at`

// Store records terminal jobs.
type Store struct {
	log *slog.Logger
	db  *sql.DB
}

// Open initializes or connects to the history database at path.
func Open(ctx context.Context, log *slog.Logger, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()

			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		log: log.With(slog.String("package", "history")),
		db:  db,
	}

	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()

		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int

	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete the history database)",
			errs.ErrSchemaMismatch, version, schemaVersion)
	}

	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}

	return nil
}

// Record upserts a job that reached a terminal status.
func (s *Store) Record(ctx context.Context, job entity.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("record job %s: %w: %s", job.ID, errs.ErrInvalidTransition, job.Status)
	}

	options, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	finishedAt := job.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}

	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title, status = excluded.status, destination = excluded.destination,
				error_message = excluded.error_message, duration_ms = excluded.duration_ms,
				started_at = excluded.started_at, finished_at = excluded.finished_at`,
			job.ID,
			job.URL,
			nullableString(job.Title),
			string(job.Status),
			nullableString(job.Destination),
			nullableString(job.Error),
			string(options),
			job.Duration.Milliseconds(),
			formatTime(job.CreatedAt),
			nullableTime(job.StartedAt),
			formatTime(finishedAt),
		)

		return execErr
	})
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}

	s.log.DebugContext(ctx, "job recorded", slog.String("job_id", job.ID), slog.String("status", string(job.Status)))

	return nil
}

// List returns up to limit recorded jobs, most recently finished first.
func (s *Store) List(ctx context.Context, limit int) ([]entity.Job, error) {
	if limit <= 0 {
		limit = consts.DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY finished_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var jobs []entity.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	return jobs, nil
}

func scanJob(rows *sql.Rows) (entity.Job, error) {
	var (
		job                              entity.Job
		status                           string
		title, destination, errMsg, opts sql.NullString
		durationMS                       int64
		createdAt, startedAt, finishedAt sql.NullString
	)

	err := rows.Scan(&job.ID, &job.URL, &title, &status, &destination, &errMsg, &opts,
		&durationMS, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return entity.Job{}, fmt.Errorf("scan history row: %w", err)
	}

	job.Title = title.String
	job.Status = entity.JobStatus(status)
	if !job.Status.IsValid() {
		return entity.Job{}, fmt.Errorf("%w: job %s has unknown status %q", errs.ErrSchemaMismatch, job.ID, status)
	}

	job.Destination = destination.String
	job.Error = errMsg.String
	job.Duration = time.Duration(durationMS) * time.Millisecond
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseTime(startedAt)
	job.FinishedAt = parseTime(finishedAt)
	job.UpdatedAt = job.FinishedAt

	if job.Status == entity.JobStatusCompleted {
		job.Progress = 1
	}

	if opts.Valid && opts.String != "" {
		if err := json.Unmarshal([]byte(opts.String), &job.Options); err != nil {
			return entity.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}

	return job, nil
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff

	var lastErr error

	for attempt := range busyRetryAttempts {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = min(delay*2, busyRetryMaxBackoff)
	}

	return lastErr
}

func isSQLiteBusy(err error) bool {
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}

	return formatTime(t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func parseTime(value sql.NullString) time.Time {
	if !value.Valid {
		return time.Time{}
	}

	t, err := time.Parse(timeLayout, value.String)
	if err != nil {
		return time.Time{}
	}

	return t
}
