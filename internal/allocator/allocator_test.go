package allocator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store/storetest"
)

func testConfig() *Config {
	return &Config{
		HeartbeatTTL:    time.Minute,
		LeaseDuration:   15 * time.Minute,
		ClaimAttempts:   3,
		ClaimRetryDelay: time.Millisecond,
		WakeAttempts:    2,
		WakeRetryDelay:  time.Millisecond,
	}
}

func registerWorker(t *testing.T, st *storetest.Store, id, baseURL string, cached ...string) {
	t.Helper()
	require.NoError(t, st.Workers().Register(context.Background(), &models.Worker{
		ID:               id,
		BaseURL:          baseURL,
		CachedProjectIDs: cached,
	}))
}

func TestStartWorkerClaimsAndWakes(t *testing.T) {
	var wakes atomic.Int32
	var lastReq WakeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/wake", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastReq))
		wakes.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	st := storetest.New()
	registerWorker(t, st, "w-1", srv.URL)
	alloc := New(st, NewHTTPWaker(time.Second), testConfig(), nil)

	worker, err := alloc.StartWorkerForProject(context.Background(), "proj-1", &WakeRequest{BuildID: "build-1"})
	require.NoError(t, err)
	assert.Equal(t, "w-1", worker.ID)
	assert.Equal(t, int32(1), wakes.Load())
	assert.Equal(t, "proj-1", lastReq.ProjectID)
	assert.Equal(t, "build-1", lastReq.BuildID)

	got, err := st.Workers().Get(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, got.Status)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, models.LeaseOwnerForProject("proj-1"), got.LeaseOwner)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.Contains(t, got.CachedProjectIDs, "proj-1")
}

func TestStartWorkerPrefersCachedWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := storetest.New()
	registerWorker(t, st, "w-cold", srv.URL)
	registerWorker(t, st, "w-warm", srv.URL, "proj-1")
	alloc := New(st, NewHTTPWaker(time.Second), testConfig(), nil)

	worker, err := alloc.StartWorkerForProject(context.Background(), "proj-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "w-warm", worker.ID)
}

func TestStartWorkerEmptyPool(t *testing.T) {
	alloc := New(storetest.New(), NewHTTPWaker(time.Second), testConfig(), nil)

	_, err := alloc.StartWorkerForProject(context.Background(), "proj-1", nil)
	assert.ErrorIs(t, err, ErrNoIdleWorkers)
}

func TestStartWorkerRejectsBusyProject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := storetest.New()
	registerWorker(t, st, "w-1", srv.URL)
	registerWorker(t, st, "w-2", srv.URL)
	alloc := New(st, NewHTTPWaker(time.Second), testConfig(), nil)

	_, err := alloc.StartWorkerForProject(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	_, err = alloc.StartWorkerForProject(context.Background(), "proj-1", nil)
	assert.ErrorIs(t, err, ErrProjectHasActiveWorker)
}

func TestConcurrentStartsRaceForSingleWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := storetest.New()
	registerWorker(t, st, "w-1", srv.URL)
	alloc := New(st, NewHTTPWaker(time.Second), testConfig(), nil)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, projectID := range []string{"proj-a", "proj-b"} {
		wg.Add(1)
		go func(projectID string) {
			defer wg.Done()
			_, err := alloc.StartWorkerForProject(context.Background(), projectID, nil)
			results <- err
		}(projectID)
	}
	wg.Wait()
	close(results)

	// Exactly one racer wins the conditional claim; the other exhausts the
	// pool and reports it, never a double allocation.
	var won, noWorkers int
	for err := range results {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrNoIdleWorkers):
			noWorkers++
		default:
			t.Errorf("unexpected allocation error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, noWorkers)

	got, err := st.Workers().Get(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, got.Status)
}

func TestWakeFailureReleasesWorker(t *testing.T) {
	var wakes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wakes.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := storetest.New()
	registerWorker(t, st, "w-1", srv.URL)
	cfg := testConfig()
	alloc := New(st, NewHTTPWaker(time.Second), cfg, nil)

	_, err := alloc.StartWorkerForProject(context.Background(), "proj-1", nil)
	require.ErrorIs(t, err, ErrWakeFailed)
	assert.Equal(t, int32(cfg.WakeAttempts), wakes.Load())

	// The unwakeable worker went back to the pool.
	got, err := st.Workers().Get(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, got.Status)
	assert.Empty(t, got.ProjectID)
}

func TestStartWorkerPrunesStaleWorkers(t *testing.T) {
	st := storetest.New()
	require.NoError(t, st.Workers().Register(context.Background(), &models.Worker{
		ID:            "w-stale",
		BaseURL:       "http://unreachable.invalid",
		LastHeartbeat: time.Now().UTC().Add(-time.Hour),
	}))
	alloc := New(st, NewHTTPWaker(time.Second), testConfig(), nil)

	_, err := alloc.StartWorkerForProject(context.Background(), "proj-1", nil)
	require.ErrorIs(t, err, ErrNoIdleWorkers)

	got, err := st.Workers().Get(context.Background(), "w-stale")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusError, got.Status)
}

func TestReleaseWorker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := storetest.New()
	registerWorker(t, st, "w-1", srv.URL)
	alloc := New(st, NewHTTPWaker(time.Second), testConfig(), nil)

	_, err := alloc.StartWorkerForProject(context.Background(), "proj-1", nil)
	require.NoError(t, err)

	require.NoError(t, alloc.ReleaseWorker(context.Background(), "w-1", "job_done"))

	got, err := st.Workers().Get(context.Background(), "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, got.Status)
	assert.Nil(t, got.LeaseExpiresAt)

	assert.ErrorIs(t, alloc.ReleaseWorker(context.Background(), "w-missing", ""), ErrWorkerNotFound)
}
