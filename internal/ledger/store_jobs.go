package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Create inserts a job in awaiting_upload or pending.
func (s *Store) Create(ctx context.Context, params NewJob) (*Job, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(params.ID)
	if id == "" {
		id = uuid.NewString()
	}
	timestamp := formatTime(time.Now())

	if _, err := s.execWithRetry(
		ctx,
		`INSERT INTO jobs (
            id, status, original_filename, content_type, input_location,
            requested_format, attempt_count, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		id,
		params.Status,
		nullableString(params.OriginalFilename),
		nullableString(params.ContentType),
		params.InputLocation,
		nullableString(params.RequestedFormat),
		timestamp,
		timestamp,
	); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	return s.Get(ctx, id)
}

// Get fetches a job by identifier. Unknown ids return nil, nil.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(filter.Statuses)) + `)`
		args = append(args, statusArgs(filter.Statuses)...)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ConditionalUpdate applies upd only when the job's current status is one of
// expect.Statuses and, if expect.Attempt is set, its attempt count matches.
// It reports whether the row was updated. A false result means another writer
// got there first (or the job does not exist); it is not an error.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, expect Expect, upd Update) (bool, error) {
	if err := validateUpdate(expect, upd); err != nil {
		return false, err
	}
	timestamp := formatTime(time.Now())

	sets := []string{"status = ?", "updated_at = ?", "output_location = ?", "error_detail = ?"}
	args := []any{upd.Status, timestamp, nullableString(upd.OutputLocation), nullableString(upd.ErrorDetail)}
	if upd.IncrementAttempt {
		sets = append(sets, "attempt_count = attempt_count + 1")
	}
	if upd.RequestedFormat != "" {
		sets = append(sets, "requested_format = ?")
		args = append(args, upd.RequestedFormat)
	}
	switch upd.Status {
	case StatusProcessing:
		// A consumer holding the message proves it was enqueued.
		sets = append(sets, "started_at = ?", "last_heartbeat = ?", "enqueued_at = COALESCE(enqueued_at, ?)")
		args = append(args, timestamp, timestamp, timestamp)
	case StatusPending:
		sets = append(sets, "last_heartbeat = NULL")
		if upd.ClearEnqueued {
			sets = append(sets, "enqueued_at = NULL")
		}
	case StatusCompleted, StatusFailed:
		sets = append(sets, "completed_at = ?", "last_heartbeat = NULL")
		args = append(args, timestamp)
		if upd.ConversionMS > 0 {
			sets = append(sets, "conversion_ms = ?")
			args = append(args, upd.ConversionMS)
		}
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + makePlaceholders(len(expect.Statuses)) + `)`
	args = append(args, id)
	args = append(args, statusArgs(expect.Statuses)...)
	if expect.Attempt != nil {
		query += ` AND attempt_count = ?`
		args = append(args, *expect.Attempt)
	}

	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkEnqueued records that a publish for the job was confirmed by the broker.
func (s *Store) MarkEnqueued(ctx context.Context, id string) (bool, error) {
	timestamp := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET enqueued_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		timestamp,
		timestamp,
		id,
		StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark enqueued: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// Heartbeat refreshes last_heartbeat while the given attempt owns the job.
func (s *Store) Heartbeat(ctx context.Context, id string, attempt int) (bool, error) {
	timestamp := formatTime(time.Now())
	res, err := s.execWithRetry(
		ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND status = ? AND attempt_count = ?`,
		timestamp,
		timestamp,
		id,
		StatusProcessing,
		attempt,
	)
	if err != nil {
		return false, fmt.Errorf("update heartbeat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected == 1, nil
}

// Stale lists processing jobs whose owning attempt has not heartbeated since
// heartbeatBefore, oldest first. Those attempts are presumed dead.
func (s *Store) Stale(ctx context.Context, heartbeatBefore time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs
         WHERE status = ? AND COALESCE(last_heartbeat, updated_at) < ?
         ORDER BY COALESCE(last_heartbeat, updated_at) LIMIT ?`,
		StatusProcessing,
		formatTime(heartbeatBefore),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// Unenqueued lists pending jobs without a confirmed publish that have not been
// touched since olderThan, oldest first.
func (s *Store) Unenqueued(ctx context.Context, olderThan time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+jobColumns+` FROM jobs
         WHERE status = ? AND enqueued_at IS NULL AND updated_at < ?
         ORDER BY updated_at LIMIT ?`,
		StatusPending,
		formatTime(olderThan),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unenqueued jobs: %w", err)
	}
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
