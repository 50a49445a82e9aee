package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/queue"
	"github.com/appforge/orchestrator/internal/store/storetest"
)

// testQueue uses a short heartbeat timeout and no cooldown so liveness
// scenarios run in milliseconds.
func testQueue(st *storetest.Store) *PostgresQueue {
	return NewPostgresQueue(st, &Config{
		HeartbeatTimeout: 30 * time.Millisecond,
		KilledCooldown:   0,
	}, nil)
}

func seedBuildWithJob(t *testing.T, st *storetest.Store, buildID string) *models.Job {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, st.Projects().Upsert(ctx, &models.Project{
		ID: "proj-1", UserID: "user-1", Status: models.ProjectStatusBuilding,
	}))
	require.NoError(t, st.Builds().Create(ctx, &models.Build{
		ID: buildID, ProjectID: "proj-1", UserID: "user-1",
		Status: models.BuildStatusQueued,
	}))
	job := &models.Job{
		ID: "job-" + buildID, ProjectID: "proj-1", BuildID: buildID,
		Status: models.JobStatusQueued,
	}
	require.NoError(t, st.Jobs().Create(ctx, job))
	return job
}

func TestClaimReturnsOldestQueuedJob(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	job := seedBuildWithJob(t, st, "build-1")

	claimed, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, models.JobStatusClaimed, claimed.Status)
	assert.Equal(t, "worker-1", claimed.WorkerID)
}

func TestClaimEmptyQueueReturnsErrNoJobs(t *testing.T) {
	q := testQueue(storetest.New())

	_, err := q.Claim(context.Background(), "", "worker-1")
	assert.ErrorIs(t, err, queue.ErrNoJobs)
}

func TestClaimSkipsProjectWithActiveJob(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	seedBuildWithJob(t, st, "build-1")
	require.NoError(t, st.Builds().Create(ctx, &models.Build{
		ID: "build-2", ProjectID: "proj-1", UserID: "user-1",
		Status: models.BuildStatusQueued,
	}))
	require.NoError(t, st.Jobs().Create(ctx, &models.Job{
		ID: "job-build-2", ProjectID: "proj-1", BuildID: "build-2",
		Status: models.JobStatusQueued,
	}))

	_, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	// The project already has a claimed job; its second job must wait.
	_, err = q.Claim(ctx, "", "worker-2")
	assert.ErrorIs(t, err, queue.ErrNoJobs)
}

func TestHeartbeatKeepsJobAlive(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	job := seedBuildWithJob(t, st, "build-1")
	_, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	// Outlive the heartbeat timeout while heartbeating.
	for i := 0; i < 5; i++ {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, q.Heartbeat(ctx, job.ID))
	}

	_, err = q.Claim(ctx, "", "worker-2")
	assert.ErrorIs(t, err, queue.ErrNoJobs)

	got, err := st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusClaimed, got.Status)
}

func TestStaleJobKilledThenRecovered(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	st.SeedBalance("user-1", 100)
	job := seedBuildWithJob(t, st, "build-1")

	_, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	// The worker spends against the build, then dies.
	require.NoError(t, st.Ledger().Append(ctx, &models.LedgerEntry{
		ID: "e-1", UserID: "user-1", Type: models.LedgerEntrySpend,
		Amount: -10, BuildID: "build-1",
	}))
	st.AddSteps("build-1", &models.BuildStep{ID: "s-1", BuildID: "build-1", Name: "generate"})

	time.Sleep(50 * time.Millisecond)

	// First sweep kills the stale job; nothing is claimable yet.
	_, err = q.Claim(ctx, "", "worker-2")
	require.ErrorIs(t, err, queue.ErrNoJobs)

	got, err := st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusKilled, got.Status)
	require.NotNil(t, got.KilledAt)

	time.Sleep(5 * time.Millisecond)

	// Second sweep recovers the kill and the claim picks the job back up.
	claimed, err := q.Claim(ctx, "", "worker-2")
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, "worker-2", claimed.WorkerID)

	// Build reset to queued with steps cleared and spend refunded.
	build, err := st.Builds().Get(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusQueued, build.Status)
	assert.Equal(t, 10.0, build.RefundedTotal)
	assert.Empty(t, st.Steps("build-1"))

	balance, err := st.Ledger().Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, balance)
}

func TestRecoveryRefundsAtMostOnce(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	st.SeedBalance("user-1", 100)
	seedBuildWithJob(t, st, "build-1")

	_, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	// Spend plus a prior killed-job refund covering all of it: the sweep's
	// refund computation must come out to zero.
	require.NoError(t, st.Ledger().Append(ctx, &models.LedgerEntry{
		ID: "e-1", UserID: "user-1", Type: models.LedgerEntrySpend,
		Amount: -10, BuildID: "build-1",
	}))
	require.NoError(t, st.Ledger().Append(ctx, &models.LedgerEntry{
		ID: "e-2", UserID: "user-1", Type: models.LedgerEntryAdjustment,
		Amount: 10, BuildID: "build-1", Reason: models.ReasonJobKilled,
		IdempotencyKey: "refund:build-1:killed:1",
	}))

	time.Sleep(50 * time.Millisecond)
	_, _ = q.Claim(ctx, "", "worker-2")
	time.Sleep(5 * time.Millisecond)
	_, err = q.Claim(ctx, "", "worker-2")
	require.NoError(t, err)

	adjustments := 0
	for _, e := range st.Entries() {
		if e.Type == models.LedgerEntryAdjustment {
			adjustments++
		}
	}
	assert.Equal(t, 1, adjustments)

	balance, err := st.Ledger().Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, balance)
}

func TestRecoveryClosesJobForFinishedBuild(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	st.SeedBalance("user-1", 100)
	job := seedBuildWithJob(t, st, "build-1")
	_, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	// The worker spends, goes stale, and its final status write lands late,
	// after the sweep already killed the job.
	require.NoError(t, st.Ledger().Append(ctx, &models.LedgerEntry{
		ID: "e-1", UserID: "user-1", Type: models.LedgerEntrySpend,
		Amount: -10, BuildID: "build-1",
	}))
	build, err := st.Builds().Get(ctx, "build-1")
	require.NoError(t, err)
	require.NoError(t, build.Transition(models.BuildStatusSucceeded))
	require.NoError(t, st.Builds().Update(ctx, build))

	time.Sleep(50 * time.Millisecond)
	_, err = q.Claim(ctx, "", "worker-2")
	require.ErrorIs(t, err, queue.ErrNoJobs)
	time.Sleep(5 * time.Millisecond)

	// The second sweep closes the job out instead of requeueing it: the
	// build is done and must not be rebuilt.
	_, err = q.Claim(ctx, "", "worker-2")
	assert.ErrorIs(t, err, queue.ErrNoJobs)

	got, err := st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)

	gotBuild, err := st.Builds().Get(ctx, "build-1")
	require.NoError(t, err)
	assert.Equal(t, models.BuildStatusSucceeded, gotBuild.Status)

	// The spend was genuinely consumed; no refund is issued.
	for _, e := range st.Entries() {
		assert.NotEqual(t, models.LedgerEntryAdjustment, e.Type)
	}
	balance, err := st.Ledger().Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, balance)
}

func TestConcurrentClaimsReceiveDistinctJobs(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		projectID := fmt.Sprintf("proj-%d", i)
		buildID := fmt.Sprintf("build-%d", i)
		require.NoError(t, st.Projects().Upsert(ctx, &models.Project{
			ID: projectID, UserID: "user-1", Status: models.ProjectStatusBuilding,
		}))
		require.NoError(t, st.Builds().Create(ctx, &models.Build{
			ID: buildID, ProjectID: projectID, UserID: "user-1",
			Status: models.BuildStatusQueued,
		}))
		require.NoError(t, st.Jobs().Create(ctx, &models.Job{
			ID: "job-" + buildID, ProjectID: projectID, BuildID: buildID,
			Status: models.JobStatusQueued,
		}))
	}

	var mu sync.Mutex
	claimed := make(map[string]string)
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workerID := fmt.Sprintf("worker-%d", i)
			job, err := q.Claim(ctx, "", workerID)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			claimed[job.ID] = workerID
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent claim failed: %v", err)
	}
	// Every claimant got a job and no job was handed out twice.
	assert.Len(t, claimed, n)
}

func TestCompleteRequiresTerminalStatus(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	job := seedBuildWithJob(t, st, "build-1")
	_, err := q.Claim(ctx, "", "worker-1")
	require.NoError(t, err)

	err = q.Complete(ctx, job.ID, models.JobStatusRunning, nil)
	assert.Error(t, err)

	require.NoError(t, q.Start(ctx, job.ID))
	require.NoError(t, q.Complete(ctx, job.ID, models.JobStatusSucceeded, []byte(`{"ok":true}`)))

	got, err := st.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusSucceeded, got.Status)
}

func TestStatsCountsJobs(t *testing.T) {
	st := storetest.New()
	q := testQueue(st)
	ctx := context.Background()

	seedBuildWithJob(t, st, "build-1")

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Counts[models.JobStatusQueued])
	assert.GreaterOrEqual(t, stats.OldestQueuedSec, 0.0)
}
