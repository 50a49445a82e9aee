package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/queue"
	"github.com/appforge/orchestrator/internal/store"
)

// JobHandler exposes the job queue to workers: claim, heartbeat, start and
// complete, plus the operator stats view.
type JobHandler struct {
	queue  queue.Queue
	logger *slog.Logger
}

// NewJobHandler creates a new job handler.
func NewJobHandler(q queue.Queue, logger *slog.Logger) *JobHandler {
	return &JobHandler{queue: q, logger: logger}
}

// ClaimRequest asks for the next claimable job.
type ClaimRequest struct {
	WorkerID  string `json:"worker_id"`
	ProjectID string `json:"project_id,omitempty"`
}

// Claim handles POST /v1/jobs/claim. Returns 204 when nothing is claimable.
func (h *JobHandler) Claim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.WorkerID == "" {
		WriteBadRequest(w, "worker_id is required")
		return
	}

	job, err := h.queue.Claim(r.Context(), req.ProjectID, req.WorkerID)
	if err != nil {
		if errors.Is(err, queue.ErrNoJobs) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.logger.Error("failed to claim job", "error", err, "worker_id", req.WorkerID)
		WriteInternalError(w, "Failed to claim job")
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Heartbeat handles POST /v1/jobs/{jobID}/heartbeat.
func (h *JobHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.queue.Heartbeat(r.Context(), jobID); err != nil {
		h.logger.Error("failed to record job heartbeat", "error", err, "job_id", jobID)
		WriteInternalError(w, "Failed to record heartbeat")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Start handles POST /v1/jobs/{jobID}/start.
func (h *JobHandler) Start(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := h.queue.Start(r.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			WriteNotFound(w, "Job not found")
			return
		}
		if errors.Is(err, store.ErrConflict) {
			WriteConflict(w, "Job status changed concurrently")
			return
		}
		h.logger.Error("failed to start job", "error", err, "job_id", jobID)
		WriteInternalError(w, "Failed to start job")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// CompleteRequest records a job's terminal outcome.
type CompleteRequest struct {
	Status models.JobStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
}

// Complete handles POST /v1/jobs/{jobID}/complete.
func (h *JobHandler) Complete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if !req.Status.Terminal() {
		WriteBadRequest(w, "status must be succeeded or failed")
		return
	}

	if err := h.queue.Complete(r.Context(), jobID, req.Status, req.Result); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			WriteNotFound(w, "Job not found")
			return
		}
		if errors.Is(err, store.ErrConflict) {
			WriteConflict(w, "Job status changed concurrently")
			return
		}
		h.logger.Error("failed to complete job", "error", err, "job_id", jobID)
		WriteInternalError(w, "Failed to complete job")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Stats handles GET /v1/admin/jobs/stats.
func (h *JobHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to get queue stats", "error", err)
		WriteInternalError(w, "Failed to get queue stats")
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
