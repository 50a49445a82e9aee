package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/appforge/orchestrator/internal/api/middleware"
	"github.com/appforge/orchestrator/internal/ledger"
	"github.com/appforge/orchestrator/internal/models"
)

// BillingHandler serves credit balance reads, spend recording, and the
// billing provider webhook.
type BillingHandler struct {
	ledger *ledger.Service
	logger *slog.Logger
}

// NewBillingHandler creates a new billing handler.
func NewBillingHandler(svc *ledger.Service, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{ledger: svc, logger: logger}
}

// CreditsResponse reports a user's balance and recent ledger entries.
type CreditsResponse struct {
	Balance float64               `json:"balance"`
	Entries []*models.LedgerEntry `json:"entries"`
}

// GetCredits handles GET /v1/billing/credits.
func (h *BillingHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get balance", "error", err, "user_id", userID)
		WriteInternalError(w, "Failed to get balance")
		return
	}
	entries, err := h.ledger.History(r.Context(), userID, 50)
	if err != nil {
		h.logger.Error("failed to get ledger history", "error", err, "user_id", userID)
		WriteInternalError(w, "Failed to get ledger history")
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	WriteJSON(w, http.StatusOK, &CreditsResponse{Balance: balance, Entries: entries})
}

// SpendRequest records usage spend against a user, optionally tied to a build.
type SpendRequest struct {
	UserID         string  `json:"user_id"`
	Amount         float64 `json:"amount"`
	BuildID        string  `json:"build_id,omitempty"`
	Description    string  `json:"description,omitempty"`
	IdempotencyKey string  `json:"idempotency_key,omitempty"`
}

// Spend handles POST /v1/billing/spend. The pipeline reports incremental
// usage here; a 402 tells it to stop the build.
func (h *BillingHandler) Spend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.UserID == "" {
		WriteBadRequest(w, "user_id is required")
		return
	}

	result, err := h.ledger.Spend(r.Context(), req.UserID, req.Amount, req.BuildID, req.Description, req.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			WriteBadRequest(w, "amount must be positive")
		case errors.Is(err, ledger.ErrInsufficientBalance):
			WriteErrorWithDetails(w, http.StatusPaymentRequired, ErrCodeInsufficientBalance,
				"Insufficient credit balance", result)
		default:
			h.logger.Error("failed to record spend", "error", err, "user_id", req.UserID)
			WriteInternalError(w, "Failed to record spend")
		}
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// WebhookRequest is a credit purchase event from the billing provider.
type WebhookRequest struct {
	EventID     string  `json:"event_id"`
	UserID      string  `json:"user_id"`
	Amount      float64 `json:"amount"`
	Description string  `json:"description,omitempty"`
}

// Webhook handles POST /v1/billing/webhook. Deliveries are keyed by event id
// so retries credit the balance once.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.EventID == "" || req.UserID == "" {
		WriteBadRequest(w, "event_id and user_id are required")
		return
	}

	entry, err := h.ledger.Purchase(r.Context(), req.UserID, req.Amount, req.EventID, req.Description)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			WriteBadRequest(w, "amount must be positive")
			return
		}
		h.logger.Error("failed to apply purchase", "error", err, "event_id", req.EventID)
		WriteInternalError(w, "Failed to apply purchase")
		return
	}
	WriteJSON(w, http.StatusOK, entry)
}
