package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/orchestrator/internal/allocator"
	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// WorkerHandler serves the worker pool registry: registration, heartbeats,
// release, and the operator cluster view.
type WorkerHandler struct {
	store     store.Store
	allocator *allocator.Allocator
	logger    *slog.Logger
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(st store.Store, alloc *allocator.Allocator, logger *slog.Logger) *WorkerHandler {
	return &WorkerHandler{store: st, allocator: alloc, logger: logger}
}

// RegisterRequest announces a worker to the pool.
type RegisterRequest struct {
	WorkerID         string   `json:"worker_id"`
	BaseURL          string   `json:"base_url"`
	CachedProjectIDs []string `json:"cached_project_ids,omitempty"`
}

// Register handles POST /v1/workers/register. Workers call it on boot;
// re-registration resets any stale binding.
func (h *WorkerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.WorkerID == "" || req.BaseURL == "" {
		WriteBadRequest(w, "worker_id and base_url are required")
		return
	}

	worker := &models.Worker{
		ID:               req.WorkerID,
		BaseURL:          req.BaseURL,
		CachedProjectIDs: req.CachedProjectIDs,
	}
	if err := h.store.Workers().Register(r.Context(), worker); err != nil {
		h.logger.Error("failed to register worker", "error", err, "worker_id", req.WorkerID)
		WriteInternalError(w, "Failed to register worker")
		return
	}

	h.logger.Info("worker registered", "worker_id", worker.ID, "base_url", worker.BaseURL)
	WriteJSON(w, http.StatusOK, worker)
}

// Heartbeat handles POST /v1/workers/{workerID}/heartbeat.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")
	if err := h.store.Workers().Heartbeat(r.Context(), workerID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Worker not found")
			return
		}
		h.logger.Error("failed to record worker heartbeat", "error", err, "worker_id", workerID)
		WriteInternalError(w, "Failed to record heartbeat")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ReleaseRequest optionally records why the worker went back to the pool.
type ReleaseRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Release handles POST /v1/workers/{workerID}/release. Workers call it when
// their job finishes so the pool can reuse them immediately.
func (h *WorkerHandler) Release(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "workerID")

	var req ReleaseRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if err := h.allocator.ReleaseWorker(r.Context(), workerID, req.Reason); err != nil {
		if errors.Is(err, allocator.ErrWorkerNotFound) {
			WriteNotFound(w, "Worker not found")
			return
		}
		h.logger.Error("failed to release worker", "error", err, "worker_id", workerID)
		WriteInternalError(w, "Failed to release worker")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ClusterResponse is the operator view of the worker pool.
type ClusterResponse struct {
	Workers []*models.Worker `json:"workers"`
}

// Cluster handles GET /v1/admin/cluster.
func (h *WorkerHandler) Cluster(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.Workers().List(r.Context())
	if err != nil {
		h.logger.Error("failed to list workers", "error", err)
		WriteInternalError(w, "Failed to list workers")
		return
	}
	if workers == nil {
		workers = []*models.Worker{}
	}
	WriteJSON(w, http.StatusOK, &ClusterResponse{Workers: workers})
}
