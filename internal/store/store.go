// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/config"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour in play. PriorityQueue and Store both
// branch on this, since SKIP LOCKED and upsert syntax diverge.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// Executor is satisfied by both *sql.DB and *sql.Tx, letting callers run a
// query either standalone or inside an ongoing transaction.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the transactional home of Job, QueueEntry, and SyncStatus (§4.1).
// PriorityQueue delegates its queue_entries storage to the same *sql.DB and
// transaction helper rather than duplicating connection management.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the backing database named by cfg.Database.URL, selecting
// the driver by URL scheme (postgres://... or sqlite://...), and applies the
// idempotent schema.
func Open(ctx context.Context, cfg *config.Database) (*Store, error) {
	driver, dsn, dialect, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if dialect == DialectSQLite {
		// single-writer discipline: SQLite serializes writers at the
		// connection-pool level rather than via row locks.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func parseURL(raw string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(raw, "sqlite://"):
		return "sqlite3", strings.TrimPrefix(raw, "sqlite://"), DialectSQLite, nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", raw, DialectPostgres, nil
	default:
		return "", "", "", fmt.Errorf("store: unrecognised database url scheme: %q", raw)
	}
}

// DB exposes the underlying handle for packages (PriorityQueue) that share
// Store's connection pool and transaction discipline.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect reports which SQL flavour is in play.
func (s *Store) Dialect() Dialect { return s.dialect }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// WithinTransaction runs fn under serializable-or-stronger isolation (§4.1).
// On a transient serialization failure (Store transactional conflict, §7)
// it retries internally a bounded number of times before giving up.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("store: begin tx: %w", err)
		}
		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback()
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("store: commit: %w", err)
		}
		return nil
	}
	return fmt.Errorf("store: transaction failed after %d attempts: %w", maxAttempts, lastErr)
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	// Postgres reports SQLSTATE 40001 (serialization_failure) / 40P01
	// (deadlock_detected) in the driver error text; SQLite reports
	// "database is locked" under the single-writer pool.
	msg := err.Error()
	return strings.Contains(msg, "40001") ||
		strings.Contains(msg, "40P01") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// CreateJob inserts a new Job row. The (media_id, task_type) uniqueness
// invariant (§3) is enforced by the findActiveJobID lookup before the
// insert, which matches any row still present whatever its status (the
// schema has no unique index on the pair): callers attempting to violate it
// receive apperr.DuplicateJob.
func (s *Store) CreateJob(ctx context.Context, ex Executor, job *Job) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	existing, err := s.findActiveJobID(ctx, ex, job.MediaID, job.TaskType)
	if err != nil {
		return err
	}
	if existing != "" {
		return apperr.New(apperr.DuplicateJob, fmt.Sprintf("job already exists for media_id=%s task_type=%s", job.MediaID, job.TaskType))
	}

	_, err = ex.ExecContext(ctx, s.Rebind(`
		INSERT INTO jobs (job_id, task_type, media_id, status, priority, created_at, started_at, completed_at, retry_count, max_retries, error_message, result, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.JobID, string(job.TaskType), job.MediaID, string(job.Status), job.Priority,
		job.CreatedAt, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.RetryCount, job.MaxRetries, job.ErrorMessage, job.Result, job.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.New(apperr.DuplicateJob, fmt.Sprintf("job already exists for media_id=%s task_type=%s", job.MediaID, job.TaskType))
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// findActiveJobID returns the job_id of a non-purged job sharing
// (media_id, task_type), or "" if none exists. Terminal jobs (completed,
// error) still count as active until a delete_job or cleanup purge removes
// their row — Cleanup/DeleteJob hard-delete, so any remaining row, whatever
// its status, blocks a resubmission under §3's uniqueness invariant.
func (s *Store) findActiveJobID(ctx context.Context, ex Executor, mediaID string, taskType TaskType) (string, error) {
	row := ex.QueryRowContext(ctx, s.Rebind(`
		SELECT job_id FROM jobs WHERE media_id = ? AND task_type = ?
		LIMIT 1
	`), mediaID, string(taskType))
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: find active job: %w", err)
	}
	return id, nil
}

// LoadJob fetches a Job by id, or apperr.NotFound.
func (s *Store) LoadJob(ctx context.Context, ex Executor, jobID string) (*Job, error) {
	row := ex.QueryRowContext(ctx, s.Rebind(`
		SELECT job_id, task_type, media_id, status, priority, created_at, started_at, completed_at, retry_count, max_retries, error_message, result, created_by
		FROM jobs WHERE job_id = ?
	`), jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, fmt.Errorf("store: load job: %w", err)
	}
	return job, nil
}

func scanJob(row *sql.Row) (*Job, error) {
	var (
		j                     Job
		taskType, status      string
		startedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&j.JobID, &taskType, &j.MediaID, &status, &j.Priority, &j.CreatedAt,
		&startedAt, &completedAt, &j.RetryCount, &j.MaxRetries, &j.ErrorMessage, &j.Result, &j.CreatedBy); err != nil {
		return nil, err
	}
	j.TaskType = TaskType(taskType)
	j.Status = Status(status)
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

// UpdateJob applies a restricted patch (§4.1), enforcing the legal
// status-transition graph. A status change that isn't in legalTransitions
// is rejected with apperr.Conflict.
func (s *Store) UpdateJob(ctx context.Context, ex Executor, jobID string, patch JobPatch) (*Job, error) {
	current, err := s.LoadJob(ctx, ex, jobID)
	if err != nil {
		return nil, err
	}

	next := *current
	if patch.Status != nil {
		if !CanTransition(current.Status, *patch.Status) {
			return nil, apperr.New(apperr.Conflict, fmt.Sprintf("illegal transition %s -> %s", current.Status, *patch.Status))
		}
		next.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		next.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		next.CompletedAt = patch.CompletedAt
	}
	if patch.RetryCount != nil {
		next.RetryCount = *patch.RetryCount
	}
	if patch.ErrorMessage != nil {
		next.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ClearResult {
		next.Result = nil
	} else if patch.Result != nil {
		next.Result = patch.Result
	}

	if next.Status == StatusCompleted && (next.Result == nil || next.CompletedAt == nil) {
		return nil, apperr.New(apperr.Internal, "completed job requires result and completed_at")
	}
	if (next.Status == StatusError || next.Status == StatusSyncFailed) && next.ErrorMessage == "" {
		return nil, apperr.New(apperr.Internal, "error/sync_failed job requires error_message")
	}

	_, err = ex.ExecContext(ctx, s.Rebind(`
		UPDATE jobs SET status = ?, started_at = ?, completed_at = ?, retry_count = ?, error_message = ?, result = ?
		WHERE job_id = ?
	`), string(next.Status), nullTime(next.StartedAt), nullTime(next.CompletedAt), next.RetryCount, next.ErrorMessage, next.Result, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: update job: %w", err)
	}
	return &next, nil
}

// DeleteJob removes a Job and cascades to its QueueEntry and SyncStatus rows.
func (s *Store) DeleteJob(ctx context.Context, ex Executor, jobID string) error {
	if _, err := s.LoadJob(ctx, ex, jobID); err != nil {
		return err
	}
	if _, err := ex.ExecContext(ctx, s.Rebind(`DELETE FROM queue_entries WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("store: cascade delete queue_entries: %w", err)
	}
	if _, err := ex.ExecContext(ctx, s.Rebind(`DELETE FROM sync_status WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("store: cascade delete sync_status: %w", err)
	}
	if _, err := ex.ExecContext(ctx, s.Rebind(`DELETE FROM jobs WHERE job_id = ?`), jobID); err != nil {
		return fmt.Errorf("store: delete job: %w", err)
	}
	return nil
}

// Stats computes admin_stats() (§4.8) by aggregating status counts and the
// current schedulable queue depth.
func (s *Store) Stats(ctx context.Context, ex Executor) (*Stats, error) {
	rows, err := ex.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: stats: %w", err)
	}
	defer rows.Close()

	out := &Stats{CountByStatus: make(map[Status]int64)}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: stats scan: %w", err)
		}
		out.CountByStatus[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := ex.QueryRowContext(ctx, s.Rebind(`
		SELECT COUNT(*) FROM queue_entries
		WHERE lease_holder IS NULL OR leased_until < ?
	`), time.Now().UTC())
	if err := row.Scan(&out.QueueDepth); err != nil {
		return nil, fmt.Errorf("store: queue depth: %w", err)
	}
	return out, nil
}

// Cleanup bulk-deletes terminal jobs matching filter (§4.8). Non-terminal
// jobs are never touched unless IncludeNonTerminal is set.
func (s *Store) Cleanup(ctx context.Context, ex Executor, filter CleanupFilter) (*CleanupSummary, error) {
	var (
		clauses []string
		args    []interface{}
	)

	statuses := filter.Status
	if !filter.IncludeNonTerminal {
		statuses = nil
		for _, st := range filter.Status {
			if st.terminal() {
				statuses = append(statuses, st)
			}
		}
		if len(filter.Status) == 0 {
			statuses = []Status{StatusCompleted, StatusError}
		} else if len(statuses) == 0 {
			return &CleanupSummary{}, nil
		}
	}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}

	if filter.OlderThan > 0 {
		clauses = append(clauses, "created_at < ?")
		args = append(args, time.Now().UTC().Add(-filter.OlderThan))
	}

	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	res, err := ex.ExecContext(ctx, s.Rebind(fmt.Sprintf(`DELETE FROM jobs %s`, where)), args...)
	if err != nil {
		return nil, fmt.Errorf("store: cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: cleanup rows affected: %w", err)
	}
	return &CleanupSummary{DeletedJobs: n}, nil
}

// Rebind converts a "?" placeholder query into the dialect's native form.
// Postgres uses $1, $2, ...; SQLite accepts "?" directly. Exported so
// PriorityQueue can write queue_entries SQL in the same placeholder style
// while sharing Store's connection and dialect.
func (s *Store) Rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value violates unique constraint") // lib/pq
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
