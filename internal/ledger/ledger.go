// Package ledger provides the pay-as-you-go credit ledger service:
// idempotent purchases, incremental build spend with drain-to-zero
// semantics, and balance queries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// Common errors returned by ledger operations.
var (
	// ErrInsufficientBalance is returned when a spend cannot be covered.
	// When a partial charge drained the balance to zero, the error still
	// fires so the caller stops the build.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrInvalidAmount is returned for non-positive charge or purchase amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// SpendResult reports the outcome of a spend call.
type SpendResult struct {
	Entry *models.LedgerEntry `json:"entry,omitempty"`
	// Charged is the amount actually debited.
	Charged float64 `json:"charged"`
	// Drained is set when the balance was insufficient and only the
	// remainder was charged, driving the balance to exactly zero.
	Drained float64 `json:"drained,omitempty"`
	Balance float64 `json:"balance"`
}

// Service implements credit ledger operations on the shared store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new ledger service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// Balance returns the user's current balance.
func (s *Service) Balance(ctx context.Context, userID string) (float64, error) {
	return s.store.Ledger().Balance(ctx, userID)
}

// History returns the user's most recent ledger entries.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	return s.store.Ledger().ListByUser(ctx, userID, limit)
}

// ApplyDelta applies a signed amount to the user's balance as a new ledger
// entry. If an entry with the same idempotency key or external event id
// already exists for the user, the prior entry is returned unchanged:
// retried webhook deliveries and retried spend calls apply at most once.
func (s *Service) ApplyDelta(ctx context.Context, entry *models.LedgerEntry) (*models.LedgerEntry, error) {
	var result *models.LedgerEntry
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if entry.IdempotencyKey != "" {
			prior, err := tx.Ledger().FindByIdempotencyKey(ctx, entry.UserID, entry.IdempotencyKey)
			if err == nil {
				result = prior
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if entry.ExternalEventID != "" {
			prior, err := tx.Ledger().FindByExternalEventID(ctx, entry.UserID, entry.ExternalEventID)
			if err == nil {
				result = prior
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			if errors.Is(err, store.ErrInsufficientBalance) {
				return ErrInsufficientBalance
			}
			// A concurrent writer with the same key committed first; return
			// its entry for exactly-once semantics.
			if errors.Is(err, store.ErrDuplicateKey) && entry.IdempotencyKey != "" {
				prior, findErr := tx.Ledger().FindByIdempotencyKey(ctx, entry.UserID, entry.IdempotencyKey)
				if findErr == nil {
					result = prior
					return nil
				}
			}
			return err
		}
		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Purchase credits the balance from a billing event, keyed by the external
// event id so redelivered webhooks apply once.
func (s *Service) Purchase(ctx context.Context, userID string, amount float64, externalEventID, description string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.ApplyDelta(ctx, &models.LedgerEntry{
		UserID:          userID,
		Type:            models.LedgerEntryPurchase,
		Amount:          amount,
		Description:     description,
		ExternalEventID: externalEventID,
	})
}

// Spend debits the balance for build or usage charges. When the balance
// covers less than the requested amount, only the remainder is charged --
// driving the balance to exactly zero -- and ErrInsufficientBalance is
// returned so the caller stops the build. This bounds the loss from one
// over-large charge to at most the user's existing balance.
func (s *Service) Spend(ctx context.Context, userID string, amount float64, buildID, description, idempotencyKey string) (*SpendResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	res := &SpendResult{}
	var insufficient bool
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if idempotencyKey != "" {
			prior, err := tx.Ledger().FindByIdempotencyKey(ctx, userID, idempotencyKey)
			if err == nil {
				res.Entry = prior
				res.Charged = -prior.Amount
				res.Balance = prior.BalanceAfter
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		balance, err := tx.Ledger().Balance(ctx, userID)
		if err != nil {
			return err
		}
		if balance <= 0 {
			insufficient = true
			res.Balance = balance
			return nil
		}

		charge := amount
		reason := ""
		desc := description
		if balance < amount {
			// Partial charge: drain what remains and report failure.
			charge = balance
			reason = models.ReasonBalanceDrain
			desc = fmt.Sprintf("%s (partial, balance drained)", description)
			insufficient = true
			res.Drained = charge
		}

		entry := &models.LedgerEntry{
			ID:             uuid.NewString(),
			UserID:         userID,
			Type:           models.LedgerEntrySpend,
			Amount:         -charge,
			Description:    desc,
			Reason:         reason,
			BuildID:        buildID,
			IdempotencyKey: idempotencyKey,
		}
		if err := tx.Ledger().Append(ctx, entry); err != nil {
			return err
		}
		if buildID != "" {
			if err := tx.Builds().AddSpend(ctx, buildID, charge, 0); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		res.Entry = entry
		res.Charged = charge
		res.Balance = entry.BalanceAfter
		return nil
	})
	if err != nil {
		return nil, err
	}

	if insufficient {
		s.logger.Info("spend rejected: insufficient balance",
			"user_id", userID, "requested", amount, "drained", res.Drained)
		return res, ErrInsufficientBalance
	}
	return res, nil
}
