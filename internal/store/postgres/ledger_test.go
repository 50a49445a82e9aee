package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(db, nil), mock
}

func TestBalanceMissingRowIsZero(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT balance FROM credit_balances`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance"}))

	balance, err := st.Ledger().Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendRejectsOverdrawWithoutWriting(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO credit_balances`).
		WithArgs("user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(5.0))

	err := st.Ledger().Append(context.Background(), &models.LedgerEntry{
		ID:     "e-1",
		UserID: "user-1",
		Type:   models.LedgerEntrySpend,
		Amount: -10,
	})
	assert.ErrorIs(t, err, store.ErrInsufficientBalance)
	// No balance update or entry insert was issued.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendUpdatesBalanceAndInsertsEntry(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO credit_balances`).
		WithArgs("user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(20.0))
	mock.ExpectExec(`UPDATE credit_balances SET balance`).
		WithArgs("user-1", 12.5, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs("e-1", "user-1", "spend", -7.5, 12.5,
			"tokens", "", "build-1", "key-1", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	entry := &models.LedgerEntry{
		ID:             "e-1",
		UserID:         "user-1",
		Type:           models.LedgerEntrySpend,
		Amount:         -7.5,
		Description:    "tokens",
		BuildID:        "build-1",
		IdempotencyKey: "key-1",
	}
	require.NoError(t, st.Ledger().Append(context.Background(), entry))
	assert.Equal(t, 12.5, entry.BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendDuplicateKeyMapsToSentinel(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`INSERT INTO credit_balances`).
		WithArgs("user-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"balance"}).AddRow(0.0))
	mock.ExpectExec(`UPDATE credit_balances SET balance`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnError(errDuplicate{})

	err := st.Ledger().Append(context.Background(), &models.LedgerEntry{
		ID:             "e-1",
		UserID:         "user-1",
		Type:           models.LedgerEntryPurchase,
		Amount:         10,
		IdempotencyKey: "key-1",
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

type errDuplicate struct{}

func (errDuplicate) Error() string {
	return `ERROR: duplicate key value violates unique constraint "ledger_entries_user_idempotency" (SQLSTATE 23505)`
}

func TestSpentOnBuildNegatesSum(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(-SUM\(amount\), 0\)`).
		WithArgs("build-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(42.0))

	total, err := st.Ledger().SpentOnBuild(context.Background(), "build-1")
	require.NoError(t, err)
	assert.Equal(t, 42.0, total)
}

func TestFindByIdempotencyKeyNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT(.|\n)*FROM ledger_entries`).
		WithArgs("user-1", "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := st.Ledger().FindByIdempotencyKey(context.Background(), "user-1", "key-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListByUserScansEntries(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "entry_type", "amount", "balance_after",
		"description", "reason", "build_id", "idempotency_key",
		"external_event_id", "created_at",
	}).AddRow("e-2", "user-1", "spend", -5.0, 15.0, "tokens", "", "build-1", "", "", now).
		AddRow("e-1", "user-1", "purchase", 20.0, 20.0, "credit pack", "", "", "", "evt-1", now)

	mock.ExpectQuery(`SELECT(.|\n)*FROM ledger_entries(.|\n)*ORDER BY created_at DESC`).
		WithArgs("user-1", 50).
		WillReturnRows(rows)

	entries, err := st.Ledger().ListByUser(context.Background(), "user-1", 50)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.LedgerEntrySpend, entries[0].Type)
	assert.Equal(t, "evt-1", entries[1].ExternalEventID)
}
