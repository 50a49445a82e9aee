// Package handlers implements the HTTP handlers for the orchestrator API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/appforge/orchestrator/internal/api/middleware"
	"github.com/appforge/orchestrator/internal/chain"
	"github.com/appforge/orchestrator/internal/models"
)

// ChatHandler turns chat messages into builds.
type ChatHandler struct {
	chain  *chain.Service
	logger *slog.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(ch *chain.Service, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{chain: ch, logger: logger}
}

// ChatRequest is a chat message that may trigger a build.
type ChatRequest struct {
	ProjectID string `json:"project_id"`
	Content   string `json:"content"`
}

// ChatResponse reports whether the message's build ran or was staged.
type ChatResponse struct {
	OK     bool          `json:"ok"`
	Staged bool          `json:"staged"`
	Build  *models.Build `json:"build"`
}

// Send handles POST /v1/chat.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ProjectID == "" || req.Content == "" {
		WriteBadRequest(w, "project_id and content are required")
		return
	}

	userID := middleware.GetUserID(r.Context())
	result, err := h.chain.EnqueueForMessage(r.Context(), userID, req.ProjectID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrMaxStagedBuilds):
			WriteError(w, http.StatusConflict, ErrCodeMaxStagedBuilds,
				"Maximum number of staged builds reached")
		case errors.Is(err, chain.ErrBuildFailed):
			WriteError(w, http.StatusBadRequest, ErrCodeBuildFailed,
				"A previous build failed; retry or dismiss it first")
		default:
			h.logger.Error("failed to enqueue message", "error", err, "project_id", req.ProjectID)
			WriteInternalError(w, "Failed to process message")
		}
		return
	}

	WriteJSON(w, http.StatusOK, &ChatResponse{
		OK:     true,
		Staged: result.Staged,
		Build:  result.Build,
	})
}
