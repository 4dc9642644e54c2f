// Copyright 2025 James Ross
package pqueue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/store"
)

// PriorityQueue exposes a lease-based, priority-ordered job iterator safe
// under N concurrent workers on one Store (§4.2). QueueEntry storage lives
// in the same database as Job, so PriorityQueue delegates connection and
// transaction management to Store rather than keeping its own pool.
type PriorityQueue struct {
	store *store.Store
	cache LeaseCache
}

// New wires a PriorityQueue against a Store and an optional lease-visibility
// cache. Pass NopLeaseCache{} to run without one.
func New(s *store.Store, cache LeaseCache) *PriorityQueue {
	if cache == nil {
		cache = NopLeaseCache{}
	}
	return &PriorityQueue{store: s, cache: cache}
}

// Enqueue creates a QueueEntry for jobID within the caller's transaction,
// matching §4.2's "transactional with job creation" contract.
func (q *PriorityQueue) Enqueue(ctx context.Context, tx *sql.Tx, jobID string, priority int) (*store.QueueEntry, error) {
	entry := &store.QueueEntry{
		EntryID:    uuid.NewString(),
		JobID:      jobID,
		Priority:   priority,
		EnqueuedAt: time.Now().UTC(),
	}
	_, err := tx.ExecContext(ctx, q.rebind(`
		INSERT INTO queue_entries (entry_id, job_id, priority, enqueued_at, lease_holder, leased_until)
		VALUES (?, ?, ?, ?, NULL, NULL)
	`), entry.EntryID, entry.JobID, entry.Priority, entry.EnqueuedAt)
	if err != nil {
		return nil, fmt.Errorf("pqueue: enqueue: %w", err)
	}
	return entry, nil
}

// Lease atomically selects the next schedulable entry (highest priority,
// then earliest enqueued_at among ties) and marks it leased, or returns nil
// if none is schedulable. Entries under an unexpired lease are invisible.
//
// Postgres uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers
// never block each other on the same candidate row. SQLite has no
// SKIP LOCKED; Store constrains it to a single writer connection, so a
// plain transaction already serializes lease attempts.
func (q *PriorityQueue) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*store.QueueEntry, error) {
	var leased *store.QueueEntry
	err := q.store.WithinTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		entryID, err := q.selectCandidate(ctx, tx, now)
		if err != nil {
			return err
		}
		if entryID == "" {
			return nil
		}

		until := now.Add(leaseDuration)
		res, err := tx.ExecContext(ctx, q.rebind(`
			UPDATE queue_entries SET lease_holder = ?, leased_until = ?
			WHERE entry_id = ? AND (lease_holder IS NULL OR leased_until < ?)
		`), workerID, until, entryID, now)
		if err != nil {
			return fmt.Errorf("pqueue: lease update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// lost the race to another worker between select and update; retry next poll
			return nil
		}

		row := tx.QueryRowContext(ctx, q.rebind(`
			SELECT entry_id, job_id, priority, enqueued_at, lease_holder, leased_until
			FROM queue_entries WHERE entry_id = ?
		`), entryID)
		leased, err = scanEntry(row)
		return err
	})
	if err != nil {
		return nil, err
	}
	if leased != nil {
		q.cache.MarkLeased(ctx, leased.EntryID, workerID, leaseDuration)
	}
	return leased, nil
}

func (q *PriorityQueue) selectCandidate(ctx context.Context, tx *sql.Tx, now time.Time) (string, error) {
	query := `
		SELECT entry_id FROM queue_entries
		WHERE lease_holder IS NULL OR leased_until < ?
		ORDER BY priority DESC, enqueued_at ASC
		LIMIT 1`
	if q.store.Dialect() == store.DialectPostgres {
		query += " FOR UPDATE SKIP LOCKED"
	}
	row := tx.QueryRowContext(ctx, q.rebind(query), now)
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pqueue: select candidate: %w", err)
	}
	return id, nil
}

// Ack removes the entry on a terminal outcome (success or terminal error).
func (q *PriorityQueue) Ack(ctx context.Context, ex store.Executor, entryID string) error {
	if _, err := ex.ExecContext(ctx, q.rebind(`DELETE FROM queue_entries WHERE entry_id = ?`), entryID); err != nil {
		return fmt.Errorf("pqueue: ack: %w", err)
	}
	q.cache.Clear(ctx, entryID)
	return nil
}

// Nack releases the lease, optionally pushing back visibility by requeueDelay
// (soft-retry backoff, §4.7 step 6).
func (q *PriorityQueue) Nack(ctx context.Context, ex store.Executor, entryID string, requeueDelay time.Duration) error {
	var leasedUntil interface{}
	if requeueDelay > 0 {
		leasedUntil = time.Now().UTC().Add(requeueDelay)
	}
	if _, err := ex.ExecContext(ctx, q.rebind(`
		UPDATE queue_entries SET lease_holder = NULL, leased_until = ?
		WHERE entry_id = ?
	`), leasedUntil, entryID); err != nil {
		return fmt.Errorf("pqueue: nack: %w", err)
	}
	q.cache.Clear(ctx, entryID)
	return nil
}

// ReapExpired returns entries whose leased_until < now to the unleased
// state, making them visible to the next Lease call. An entry whose job is
// still `processing` past lease expiry means the worker holding it died
// mid-execution: that job is driven through the same soft-retry transition
// a worker applies to an observed failure (§5 "the job returns to pending
// and is retried, consuming a retry count"), rather than left to be
// silently acked as a stale entry by the replacement worker.
func (q *PriorityQueue) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := q.store.WithinTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		n = 0 // reset on each retry attempt so a serialization retry can't double-count
		rows, err := tx.QueryContext(ctx, q.rebind(`
			SELECT entry_id, job_id FROM queue_entries
			WHERE lease_holder IS NOT NULL AND leased_until < ?
		`), now)
		if err != nil {
			return fmt.Errorf("pqueue: select expired: %w", err)
		}
		type expired struct{ entryID, jobID string }
		var entries []expired
		for rows.Next() {
			var e expired
			if scanErr := rows.Scan(&e.entryID, &e.jobID); scanErr != nil {
				rows.Close()
				return fmt.Errorf("pqueue: scan expired: %w", scanErr)
			}
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, e := range entries {
			job, err := q.store.LoadJob(ctx, tx, e.jobID)
			if err != nil {
				if apperr.Is(err, apperr.NotFound) {
					continue
				}
				return err
			}

			if job.Status == store.StatusProcessing {
				if err := q.recoverOrphanedJob(ctx, tx, job, e.entryID); err != nil {
					return err
				}
				n++
				continue
			}

			if _, err := tx.ExecContext(ctx, q.rebind(`
				UPDATE queue_entries SET lease_holder = NULL, leased_until = NULL
				WHERE entry_id = ?
			`), e.entryID); err != nil {
				return fmt.Errorf("pqueue: clear lease: %w", err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// recoverOrphanedJob applies the §4.7 soft-retry transition to a job whose
// worker died mid-processing: bump retry_count and return it to pending for
// a replacement worker to pick up, or terminate it as errored if its retry
// budget is already exhausted.
func (q *PriorityQueue) recoverOrphanedJob(ctx context.Context, tx *sql.Tx, job *store.Job, entryID string) error {
	if job.RetryCount < job.MaxRetries {
		retryCount := job.RetryCount + 1
		pending := store.StatusPending
		if _, err := q.store.UpdateJob(ctx, tx, job.JobID, store.JobPatch{Status: &pending, RetryCount: &retryCount}); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, q.rebind(`
			UPDATE queue_entries SET lease_holder = NULL, leased_until = NULL WHERE entry_id = ?
		`), entryID)
		if err != nil {
			return fmt.Errorf("pqueue: clear lease after recovery: %w", err)
		}
		return nil
	}

	errStatus := store.StatusError
	msg := "lease expired after worker crash; retry budget exhausted"
	if _, err := q.store.UpdateJob(ctx, tx, job.JobID, store.JobPatch{Status: &errStatus, ErrorMessage: &msg}); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q.rebind(`DELETE FROM queue_entries WHERE entry_id = ?`), entryID); err != nil {
		return fmt.Errorf("pqueue: ack after recovery error: %w", err)
	}
	return nil
}

// Depth reports the current schedulable (unleased-or-expired) entry count.
// It satisfies obs.DepthSampler.
func (q *PriorityQueue) Depth(ctx context.Context) (int64, error) {
	row := q.store.DB().QueryRowContext(ctx, q.rebind(`
		SELECT COUNT(*) FROM queue_entries WHERE lease_holder IS NULL OR leased_until < ?
	`), time.Now().UTC())
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("pqueue: depth: %w", err)
	}
	return n, nil
}

func scanEntry(row *sql.Row) (*store.QueueEntry, error) {
	var (
		e                store.QueueEntry
		leaseHolder      sql.NullString
		leasedUntil      sql.NullTime
	)
	if err := row.Scan(&e.EntryID, &e.JobID, &e.Priority, &e.EnqueuedAt, &leaseHolder, &leasedUntil); err != nil {
		return nil, err
	}
	if leaseHolder.Valid {
		e.LeaseHolder = leaseHolder.String
	}
	if leasedUntil.Valid {
		t := leasedUntil.Time
		e.LeasedUntil = &t
	}
	return &e, nil
}

func (q *PriorityQueue) rebind(query string) string {
	return q.store.Rebind(query)
}
