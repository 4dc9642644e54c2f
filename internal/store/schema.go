// Copyright 2025 James Ross
package store

import "context"

// migrate applies the fixed three-table schema of §3 idempotently. A single
// versionless DDL pass (rather than a migration-library history) is
// sufficient here: the schema is closed over Job/QueueEntry/SyncStatus and
// does not evolve independently of this codebase's releases.
func (s *Store) migrate(ctx context.Context) error {
	stmts := postgresSchema
	if s.dialect == DialectSQLite {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id        TEXT PRIMARY KEY,
		task_type     TEXT NOT NULL,
		media_id      TEXT NOT NULL,
		status        TEXT NOT NULL,
		priority      INTEGER NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		started_at    TIMESTAMP,
		completed_at  TIMESTAMP,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL DEFAULT 3,
		error_message TEXT NOT NULL DEFAULT '',
		result        BLOB,
		created_by    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_media_task ON jobs(media_id, task_type)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		entry_id      TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL UNIQUE,
		priority      INTEGER NOT NULL,
		enqueued_at   TIMESTAMP NOT NULL,
		lease_holder  TEXT,
		leased_until  TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_schedulable ON queue_entries(priority DESC, enqueued_at ASC)`,
	`CREATE TABLE IF NOT EXISTS sync_status (
		job_id        TEXT PRIMARY KEY,
		state         TEXT NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMP,
		last_error    TEXT NOT NULL DEFAULT ''
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id        TEXT PRIMARY KEY,
		task_type     TEXT NOT NULL,
		media_id      TEXT NOT NULL,
		status        TEXT NOT NULL,
		priority      INTEGER NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		max_retries   INTEGER NOT NULL DEFAULT 3,
		error_message TEXT NOT NULL DEFAULT '',
		result        BYTEA,
		created_by    TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_media_task ON jobs(media_id, task_type)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		entry_id      TEXT PRIMARY KEY,
		job_id        TEXT NOT NULL UNIQUE,
		priority      INTEGER NOT NULL,
		enqueued_at   TIMESTAMPTZ NOT NULL,
		lease_holder  TEXT,
		leased_until  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_schedulable ON queue_entries(priority DESC, enqueued_at ASC)`,
	`CREATE TABLE IF NOT EXISTS sync_status (
		job_id        TEXT PRIMARY KEY,
		state         TEXT NOT NULL,
		retry_count   INTEGER NOT NULL DEFAULT 0,
		next_retry_at TIMESTAMPTZ,
		last_error    TEXT NOT NULL DEFAULT ''
	)`,
}
