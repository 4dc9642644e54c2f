// Copyright 2025 James Ross
// Package jobservice is the pure-logic facade over Store and PriorityQueue
// that internal/api calls into (§4.8). It owns validation and the
// submit/get/delete/admin_stats/admin_cleanup contract; it does not speak
// HTTP.
package jobservice

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"github.com/inferqueue/inferqueue/internal/store"
)

const (
	minPriority = 0
	maxPriority = 10
)

// JobService is the dependency API and tests construct against.
type JobService struct {
	store *store.Store
	pq    *pqueue.PriorityQueue
}

func New(s *store.Store, pq *pqueue.PriorityQueue) *JobService {
	return &JobService{store: s, pq: pq}
}

// Submit validates task_type and priority, then creates the Job and its
// QueueEntry in one transaction (§4.8). Duplicate (media_id, task_type)
// against any job whose row still exists, whatever its status, yields
// apperr.DuplicateJob.
func (svc *JobService) Submit(ctx context.Context, taskType store.TaskType, mediaID string, priority int, createdBy string) (*store.Job, error) {
	if !store.ValidTaskType(taskType) {
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("unknown task_type %q", taskType))
	}
	if mediaID == "" {
		return nil, apperr.New(apperr.InvalidInput, "media_id is required")
	}
	if priority < minPriority || priority > maxPriority {
		return nil, apperr.New(apperr.InvalidInput, fmt.Sprintf("priority %d out of range [%d,%d]", priority, minPriority, maxPriority))
	}

	job := &store.Job{
		TaskType:  taskType,
		MediaID:   mediaID,
		Priority:  priority,
		CreatedBy: createdBy,
	}
	err := svc.store.WithinTransaction(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := svc.store.CreateJob(ctx, tx, job); err != nil {
			return err
		}
		_, err := svc.pq.Enqueue(ctx, tx, job.JobID, job.Priority)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Get returns the Job by id. No authorization is enforced here: job_id
// itself functions as the capability (§4.8).
func (svc *JobService) Get(ctx context.Context, jobID string) (*store.Job, error) {
	return svc.store.LoadJob(ctx, svc.store.DB(), jobID)
}

// Delete removes a Job and its QueueEntry/SyncStatus rows. A worker mid
// execution on this job's entry discards its result rather than observing
// an error (§4.7 cancellation clause) — Delete itself does not coordinate
// with that worker beyond the row deletion.
func (svc *JobService) Delete(ctx context.Context, jobID string) error {
	return svc.store.DeleteJob(ctx, svc.store.DB(), jobID)
}

// AdminStats reports per-status job counts and current queue depth.
func (svc *JobService) AdminStats(ctx context.Context) (*store.Stats, error) {
	return svc.store.Stats(ctx, svc.store.DB())
}

// CleanupFilter is the admin_cleanup() request shape (§4.8). OlderThan is
// expressed in seconds over the wire; zero means "no age bound".
type CleanupFilter struct {
	OlderThanSeconds   int64
	Status             []store.Status
	IncludeNonTerminal bool
}

// AdminCleanup bulk-deletes terminal jobs matching filter. Non-terminal
// jobs are never touched unless the caller explicitly sets
// IncludeNonTerminal — a safety rail against accidentally discarding
// in-flight work.
func (svc *JobService) AdminCleanup(ctx context.Context, filter CleanupFilter) (*store.CleanupSummary, error) {
	return svc.store.Cleanup(ctx, svc.store.DB(), store.CleanupFilter{
		OlderThan:          time.Duration(filter.OlderThanSeconds) * time.Second,
		Status:             filter.Status,
		IncludeNonTerminal: filter.IncludeNonTerminal,
	})
}
