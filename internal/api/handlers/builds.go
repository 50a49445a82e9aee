package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/appforge/orchestrator/internal/api/middleware"
	"github.com/appforge/orchestrator/internal/chain"
	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// BuildHandler serves build reads, the staged chain, and failure resolution.
type BuildHandler struct {
	store  store.Store
	chain  *chain.Service
	logger *slog.Logger
}

// NewBuildHandler creates a new build handler.
func NewBuildHandler(st store.Store, ch *chain.Service, logger *slog.Logger) *BuildHandler {
	return &BuildHandler{store: st, chain: ch, logger: logger}
}

// Get handles GET /v1/builds/{buildID}.
func (h *BuildHandler) Get(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	build, err := h.store.Builds().Get(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "Build not found")
			return
		}
		h.logger.Error("failed to get build", "error", err, "build_id", buildID)
		WriteInternalError(w, "Failed to get build")
		return
	}
	if build.UserID != middleware.GetUserID(r.Context()) {
		WriteNotFound(w, "Build not found")
		return
	}
	WriteJSON(w, http.StatusOK, build)
}

// StagedBuildsResponse lists a project's staged builds in dependency order.
type StagedBuildsResponse struct {
	StagedBuilds []*models.Build `json:"staged_builds"`
}

// ListStaged handles GET /v1/projects/{projectID}/staged-builds.
func (h *BuildHandler) ListStaged(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	builds, err := h.chain.ListStaged(r.Context(), projectID)
	if err != nil {
		h.logger.Error("failed to list staged builds", "error", err, "project_id", projectID)
		WriteInternalError(w, "Failed to list staged builds")
		return
	}
	if builds == nil {
		builds = []*models.Build{}
	}
	WriteJSON(w, http.StatusOK, &StagedBuildsResponse{StagedBuilds: builds})
}

// DeleteStaged handles DELETE /v1/builds/{buildID}.
func (h *BuildHandler) DeleteStaged(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	userID := middleware.GetUserID(r.Context())

	if err := h.chain.DeleteStaged(r.Context(), userID, buildID); err != nil {
		switch {
		case errors.Is(err, chain.ErrBuildNotFound):
			WriteNotFound(w, "Build not found")
		case errors.Is(err, chain.ErrNotStaged):
			WriteConflict(w, "Only staged builds can be deleted")
		default:
			h.logger.Error("failed to delete staged build", "error", err, "build_id", buildID)
			WriteInternalError(w, "Failed to delete build")
		}
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Retry handles POST /v1/builds/{buildID}/retry.
func (h *BuildHandler) Retry(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	userID := middleware.GetUserID(r.Context())

	build, err := h.chain.Retry(r.Context(), userID, buildID)
	if err != nil {
		h.writeResolveError(w, err, buildID)
		return
	}
	WriteJSON(w, http.StatusOK, build)
}

// Dismiss handles POST /v1/builds/{buildID}/dismiss.
func (h *BuildHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")
	userID := middleware.GetUserID(r.Context())

	build, err := h.chain.Dismiss(r.Context(), userID, buildID)
	if err != nil {
		h.writeResolveError(w, err, buildID)
		return
	}
	WriteJSON(w, http.StatusOK, build)
}

func (h *BuildHandler) writeResolveError(w http.ResponseWriter, err error, buildID string) {
	switch {
	case errors.Is(err, chain.ErrBuildNotFound):
		WriteNotFound(w, "Build not found")
	case errors.Is(err, chain.ErrNotFailed):
		WriteConflict(w, "Build is not in failed status")
	default:
		h.logger.Error("failed to resolve build", "error", err, "build_id", buildID)
		WriteInternalError(w, "Failed to resolve build")
	}
}

// UpdateStatusRequest is the pipeline's terminal status callback body.
type UpdateStatusRequest struct {
	Status       models.BuildStatus `json:"status"`
	ErrorCode    string             `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
}

// UpdateStatus handles PATCH /v1/builds/{buildID}. The pipeline calls it with
// a terminal status; a success promotes the next staged build.
func (h *BuildHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	buildID := chi.URLParam(r, "buildID")

	var req UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if !req.Status.Terminal() {
		WriteBadRequest(w, "status must be terminal")
		return
	}

	build, err := h.chain.CompleteBuild(r.Context(), buildID, req.Status, req.ErrorCode, req.ErrorMessage)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrBuildNotFound):
			WriteNotFound(w, "Build not found")
		case errors.Is(err, chain.ErrIllegalTransition):
			WriteConflict(w, "Build is already in a terminal status")
		default:
			h.logger.Error("failed to complete build", "error", err, "build_id", buildID)
			WriteInternalError(w, "Failed to update build status")
		}
		return
	}
	WriteJSON(w, http.StatusOK, build)
}
