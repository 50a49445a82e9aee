package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/orchestrator/internal/allocator"
	"github.com/appforge/orchestrator/internal/chain"
	"github.com/appforge/orchestrator/internal/models"
	pgqueue "github.com/appforge/orchestrator/internal/queue/postgres"
	"github.com/appforge/orchestrator/internal/store/storetest"
)

type pollerFixture struct {
	store  *storetest.Store
	chain  *chain.Service
	poller *Poller
}

func newFixture(t *testing.T, wakeStatus int) (*pollerFixture, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(wakeStatus)
	}))
	t.Cleanup(srv.Close)

	st := storetest.New()
	q := pgqueue.NewPostgresQueue(st, nil, nil)
	ch := chain.NewService(st, nil)
	alloc := allocator.New(st, allocator.NewHTTPWaker(time.Second), &allocator.Config{
		HeartbeatTTL:    time.Minute,
		LeaseDuration:   15 * time.Minute,
		ClaimAttempts:   1,
		ClaimRetryDelay: time.Millisecond,
		WakeAttempts:    1,
		WakeRetryDelay:  time.Millisecond,
	}, nil)

	return &pollerFixture{
		store:  st,
		chain:  ch,
		poller: New(q, alloc, ch, 10*time.Millisecond, nil),
	}, srv
}

func TestTickEmptyQueue(t *testing.T) {
	f, _ := newFixture(t, http.StatusOK)

	dispatched, err := f.poller.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, dispatched)
}

func TestTickDispatchesJobToWorker(t *testing.T) {
	f, srv := newFixture(t, http.StatusOK)
	ctx := context.Background()

	require.NoError(t, f.store.Workers().Register(ctx, &models.Worker{
		ID: "w-1", BaseURL: srv.URL,
	}))
	res, err := f.chain.EnqueueForMessage(ctx, "user-1", "proj-1", "build it")
	require.NoError(t, err)

	dispatched, err := f.poller.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, dispatched)

	worker, err := f.store.Workers().Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, worker.Status)
	assert.Equal(t, "proj-1", worker.ProjectID)

	build, err := f.store.Builds().Get(ctx, res.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusQueued, build.Status)
}

func TestTickRequeuesWhenPoolEmpty(t *testing.T) {
	f, _ := newFixture(t, http.StatusOK)
	ctx := context.Background()

	_, err := f.chain.EnqueueForMessage(ctx, "user-1", "proj-1", "build it")
	require.NoError(t, err)

	dispatched, err := f.poller.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, dispatched)

	// The job went back to queued instead of being lost.
	counts, err := f.store.Jobs().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobStatusQueued])
}

func TestTickFailsJobOnWakeFailure(t *testing.T) {
	f, srv := newFixture(t, http.StatusBadGateway)
	ctx := context.Background()

	require.NoError(t, f.store.Workers().Register(ctx, &models.Worker{
		ID: "w-1", BaseURL: srv.URL,
	}))
	res, err := f.chain.EnqueueForMessage(ctx, "user-1", "proj-1", "build it")
	require.NoError(t, err)

	dispatched, err := f.poller.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, dispatched)

	counts, err := f.store.Jobs().CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.JobStatusFailed])

	build, err := f.store.Builds().Get(ctx, res.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusFailed, build.Status)
	assert.Equal(t, ErrorCodeWakeFailed, build.ErrorCode)

	// The unwakeable worker is back in the pool.
	worker, err := f.store.Workers().Get(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, worker.Status)
}
