package models

import "time"

// LedgerEntryType classifies a credit ledger entry.
type LedgerEntryType string

const (
	// LedgerEntryPurchase credits the balance from a billing event.
	LedgerEntryPurchase LedgerEntryType = "purchase"
	// LedgerEntrySpend debits the balance for build or usage charges.
	LedgerEntrySpend LedgerEntryType = "spend"
	// LedgerEntryAdjustment corrects the balance, e.g. refunds for killed jobs.
	LedgerEntryAdjustment LedgerEntryType = "adjustment"
)

// Ledger adjustment reasons. Refund computation for killed-job recovery
// filters on ReasonJobKilled so repeated sweeps never double-refund.
const (
	ReasonJobKilled    = "job_killed"
	ReasonBalanceDrain = "balance_drained"
)

// LedgerEntry is an immutable financial fact. Entries are never mutated or
// deleted; the current balance is cached separately and equals the
// BalanceAfter of the user's most recent entry.
type LedgerEntry struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Type            LedgerEntryType `json:"type"`
	Amount          float64         `json:"amount"`
	BalanceAfter    float64         `json:"balance_after"`
	Description     string          `json:"description,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	BuildID         string          `json:"build_id,omitempty"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ExternalEventID string          `json:"external_event_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
