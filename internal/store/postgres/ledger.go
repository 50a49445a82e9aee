package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// LedgerStore implements store.LedgerStore using PostgreSQL.
//
// The ledger is append-only. The cached balance lives in credit_balances
// and is updated in the same transaction that appends the entry; the
// SELECT ... FOR UPDATE on the balance row serializes concurrent writers
// for the same user without application-level locks.
type LedgerStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *LedgerStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const ledgerColumns = `
	id, user_id, entry_type, amount, balance_after,
	COALESCE(description, ''), COALESCE(reason, ''), COALESCE(build_id, ''),
	COALESCE(idempotency_key, ''), COALESCE(external_event_id, ''), created_at`

// Balance returns the user's current cached balance. Users without a
// balance row have a balance of zero.
func (s *LedgerStore) Balance(ctx context.Context, userID string) (float64, error) {
	var balance float64
	err := s.conn().QueryRowContext(ctx,
		`SELECT balance FROM credit_balances WHERE user_id = $1`, userID,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// FindByIdempotencyKey retrieves a prior entry for the key.
func (s *LedgerStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*models.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE user_id = $1 AND idempotency_key = $2`

	entry, err := scanLedgerEntry(s.conn().QueryRowContext(ctx, query, userID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying ledger entry by idempotency key: %w", err)
	}
	return entry, nil
}

// FindByExternalEventID retrieves a prior entry for the external event.
func (s *LedgerStore) FindByExternalEventID(ctx context.Context, userID, eventID string) (*models.LedgerEntry, error) {
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE user_id = $1 AND external_event_id = $2`

	entry, err := scanLedgerEntry(s.conn().QueryRowContext(ctx, query, userID, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying ledger entry by external event: %w", err)
	}
	return entry, nil
}

// Append atomically applies the entry's amount to the cached balance and
// persists the entry. The whole operation either fully applies or fully
// rejects; a rejected entry leaves no trace in the ledger.
func (s *LedgerStore) Append(ctx context.Context, entry *models.LedgerEntry) error {
	// Lock (or create) the balance row first so concurrent appends for the
	// same user serialize here.
	upsert := `
		INSERT INTO credit_balances (user_id, balance, updated_at)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING balance`

	now := time.Now().UTC()
	var balance float64
	if err := s.conn().QueryRowContext(ctx, upsert, entry.UserID, now).Scan(&balance); err != nil {
		return fmt.Errorf("locking balance row: %w", err)
	}

	newBalance := balance + entry.Amount
	if newBalance < 0 {
		return store.ErrInsufficientBalance
	}

	update := `UPDATE credit_balances SET balance = $2, updated_at = $3 WHERE user_id = $1`
	if _, err := s.conn().ExecContext(ctx, update, entry.UserID, newBalance, now); err != nil {
		return fmt.Errorf("updating balance: %w", err)
	}

	insert := `
		INSERT INTO ledger_entries (id, user_id, entry_type, amount,
			balance_after, description, reason, build_id, idempotency_key,
			external_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''),
			NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11)`

	_, err := s.conn().ExecContext(ctx, insert,
		entry.ID, entry.UserID, entry.Type, entry.Amount, newBalance,
		entry.Description, entry.Reason, entry.BuildID,
		entry.IdempotencyKey, entry.ExternalEventID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	entry.BalanceAfter = newBalance
	entry.CreatedAt = now
	return nil
}

// SpentOnBuild returns the total spent against a build so far. Spend
// amounts are negative in the ledger, so the sum is negated.
func (s *LedgerStore) SpentOnBuild(ctx context.Context, buildID string) (float64, error) {
	var total float64
	err := s.conn().QueryRowContext(ctx, `
		SELECT COALESCE(-SUM(amount), 0)
		FROM ledger_entries
		WHERE build_id = $1 AND entry_type = 'spend'`, buildID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing build spend: %w", err)
	}
	return total, nil
}

// RefundedOnBuild returns the total already refunded against a build for
// the given adjustment reason.
func (s *LedgerStore) RefundedOnBuild(ctx context.Context, buildID, reason string) (float64, error) {
	var total float64
	err := s.conn().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM ledger_entries
		WHERE build_id = $1 AND entry_type = 'adjustment' AND reason = $2`,
		buildID, reason,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing build refunds: %w", err)
	}
	return total, nil
}

// ListByUser retrieves a user's entries, newest first.
func (s *LedgerStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.conn().QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger rows: %w", err)
	}
	return entries, nil
}

func scanLedgerEntry(row scanner) (*models.LedgerEntry, error) {
	entry := &models.LedgerEntry{}
	err := row.Scan(
		&entry.ID, &entry.UserID, &entry.Type, &entry.Amount,
		&entry.BalanceAfter, &entry.Description, &entry.Reason,
		&entry.BuildID, &entry.IdempotencyKey, &entry.ExternalEventID,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}
