// Copyright 2025 James Ross
package api

import (
	"encoding/json"
	"time"

	"github.com/inferqueue/inferqueue/internal/store"
)

// JobRequest is the POST /job/{task_type} body (§6).
type JobRequest struct {
	MediaID  string `json:"media_id"`
	Priority *int   `json:"priority,omitempty"`
}

// JobResponse mirrors store.Job's wire shape (snake_case, §6).
type JobResponse struct {
	JobID        string     `json:"job_id"`
	TaskType     string     `json:"task_type"`
	MediaID      string     `json:"media_id"`
	Status       string     `json:"status"`
	Priority     int        `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
}

func jobToResponse(j *store.Job) JobResponse {
	return JobResponse{
		JobID: j.JobID, TaskType: string(j.TaskType), MediaID: j.MediaID, Status: string(j.Status),
		Priority: j.Priority, CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
		RetryCount: j.RetryCount, MaxRetries: j.MaxRetries, ErrorMessage: j.ErrorMessage, Result: j.Result,
		CreatedBy: j.CreatedBy,
	}
}

// ErrorResponse is the structured failure body (§7): no internal detail
// beyond this shape is ever surfaced to a caller.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// HealthResponse is GET /health's body. QueueSize is read from the Store
// when the request is served, not a cached value; the other collaborators
// are not probed.
type HealthResponse struct {
	Status    string `json:"status"`
	QueueSize int64  `json:"queue_size"`
}

// StatsResponse is GET /admin/stats's body (§4.8).
type StatsResponse struct {
	CountByStatus map[string]int64 `json:"count_by_status"`
	QueueDepth    int64            `json:"queue_depth"`
}

// CleanupRequest is DELETE /admin/cleanup's body (§6).
type CleanupRequest struct {
	OlderThanSeconds   int64    `json:"older_than_seconds,omitempty"`
	Status             []string `json:"status,omitempty"`
	IncludeNonTerminal bool     `json:"include_non_terminal,omitempty"`
}

// CleanupResponse is DELETE /admin/cleanup's body (§4.8).
type CleanupResponse struct {
	DeletedJobs int64 `json:"deleted_jobs"`
}
