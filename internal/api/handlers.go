// Copyright 2025 James Ross
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/inferqueue/inferqueue/internal/apperr"
	"github.com/inferqueue/inferqueue/internal/authgate"
	"github.com/inferqueue/inferqueue/internal/jobservice"
	"github.com/inferqueue/inferqueue/internal/pqueue"
	"github.com/inferqueue/inferqueue/internal/store"
	"go.uber.org/zap"
)

// Handler holds the API's dependencies, each injected rather than reached
// for as a global (§9 redesign note on module-level state).
type Handler struct {
	svc    *jobservice.JobService
	pq     *pqueue.PriorityQueue
	gate   *authgate.AuthGate
	logger *zap.Logger
}

func NewHandler(svc *jobservice.JobService, pq *pqueue.PriorityQueue, gate *authgate.AuthGate, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, pq: pq, gate: gate, logger: logger}
}

// SubmitJob handles POST /job/{task_type}.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	taskType := store.TaskType(mux.Vars(r)["task_type"])

	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.New(apperr.InvalidInput, "malformed request body"))
		return
	}

	priority := 5
	if req.Priority != nil {
		priority = *req.Priority
	}

	identity, _ := identityFromContext(r.Context())
	job, err := h.svc.Submit(r.Context(), taskType, req.MediaID, priority, identity.SubjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, jobToResponse(job))
}

// GetJob handles GET /job/{job_id}. No capability check: job_id is itself
// the capability (§4.8).
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToResponse(job))
}

// DeleteJob handles DELETE /job/{job_id}.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if err := h.svc.Delete(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health. It counts the queue depth through
// PriorityQueue.Depth on each call, so every request is one Store query;
// no cached depth is kept. The media store, vector store, inference engine
// and broker are not probed.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	depth, err := h.pq.Depth(ctx)
	if err != nil {
		h.logger.Warn("health check: queue depth unavailable", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", QueueSize: depth})
}

// AdminStats handles GET /admin/stats.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.AdminStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := make(map[string]int64, len(stats.CountByStatus))
	for status, n := range stats.CountByStatus {
		byStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, StatsResponse{CountByStatus: byStatus, QueueDepth: stats.QueueDepth})
}

// AdminCleanup handles DELETE /admin/cleanup.
func (h *Handler) AdminCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperr.New(apperr.InvalidInput, "malformed request body"))
			return
		}
	}

	statuses := make([]store.Status, 0, len(req.Status))
	for _, s := range req.Status {
		statuses = append(statuses, store.Status(s))
	}

	summary, err := h.svc.AdminCleanup(r.Context(), jobservice.CleanupFilter{
		OlderThanSeconds:   req.OlderThanSeconds,
		Status:             statuses,
		IncludeNonTerminal: req.IncludeNonTerminal,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CleanupResponse{DeletedJobs: summary.DeletedJobs})
}
