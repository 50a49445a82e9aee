package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store/storetest"
)

func TestPurchaseCreditsBalance(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	entry, err := svc.Purchase(ctx, "user-1", 25, "evt-1", "credit pack")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerEntryPurchase, entry.Type)
	assert.Equal(t, 25.0, entry.BalanceAfter)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 25.0, balance)
}

func TestPurchaseWebhookRedeliveryAppliesOnce(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	first, err := svc.Purchase(ctx, "user-1", 10, "evt-42", "credit pack")
	require.NoError(t, err)

	second, err := svc.Purchase(ctx, "user-1", 10, "evt-42", "credit pack")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10.0, balance)
	assert.Len(t, st.Entries(), 1)
}

func TestSpendDebitsBalanceAndBuild(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	st.SeedBalance("user-1", 100)
	require.NoError(t, st.Builds().Create(ctx, &models.Build{
		ID: "build-1", ProjectID: "proj-1", UserID: "user-1",
		Status: models.BuildStatusRunning,
	}))

	res, err := svc.Spend(ctx, "user-1", 12.5, "build-1", "tokens", "spend-1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, res.Charged)
	assert.Equal(t, 87.5, res.Balance)

	build, err := st.Builds().Get(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, 12.5, build.SpendTotal)
}

func TestSpendIdempotencyKeyAppliesOnce(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	st.SeedBalance("user-1", 50)

	_, err := svc.Spend(ctx, "user-1", 20, "", "tokens", "key-1")
	require.NoError(t, err)

	res, err := svc.Spend(ctx, "user-1", 20, "", "tokens", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.Charged)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 30.0, balance)
}

func TestSpendDrainsBalanceToZero(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	st.SeedBalance("user-1", 7)

	res, err := svc.Spend(ctx, "user-1", 10, "", "tokens", "")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.NotNil(t, res)
	assert.Equal(t, 7.0, res.Charged)
	assert.Equal(t, 7.0, res.Drained)
	assert.Equal(t, 0.0, res.Balance)
	assert.Equal(t, models.ReasonBalanceDrain, res.Entry.Reason)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestSpendWithZeroBalanceChargesNothing(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	res, err := svc.Spend(ctx, "user-1", 5, "", "tokens", "")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Nil(t, res.Entry)
	assert.Equal(t, 0.0, res.Charged)
	assert.Empty(t, st.Entries())
}

func TestSpendRejectsNonPositiveAmount(t *testing.T) {
	svc := NewService(storetest.New(), nil)

	_, err := svc.Spend(context.Background(), "user-1", 0, "", "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Spend(context.Background(), "user-1", -3, "", "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestApplyDeltaRejectsOverdraw(t *testing.T) {
	st := storetest.New()
	svc := NewService(st, nil)
	ctx := context.Background()

	st.SeedBalance("user-1", 5)

	_, err := svc.ApplyDelta(ctx, &models.LedgerEntry{
		UserID: "user-1",
		Type:   models.LedgerEntrySpend,
		Amount: -10,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)

	balance, err := svc.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, balance)
}
