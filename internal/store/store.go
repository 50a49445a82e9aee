// Package store provides database access interfaces for the orchestrator.
package store

import (
	"context"
	"time"

	"github.com/appforge/orchestrator/internal/models"
)

// Store is the main interface for database operations.
type Store interface {
	// Projects returns the ProjectStore for project operations.
	Projects() ProjectStore
	// Builds returns the BuildStore for build operations.
	Builds() BuildStore
	// Jobs returns the JobStore for job operations.
	Jobs() JobStore
	// Workers returns the WorkerStore for worker pool operations.
	Workers() WorkerStore
	// Ledger returns the LedgerStore for credit ledger operations.
	Ledger() LedgerStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}

// ProjectStore defines operations for project management.
type ProjectStore interface {
	// Upsert creates the project if missing and updates its status otherwise.
	Upsert(ctx context.Context, project *models.Project) error
	// Get retrieves a project by ID.
	Get(ctx context.Context, id string) (*models.Project, error)
	// SetStatus updates a project's build status.
	SetStatus(ctx context.Context, id string, status models.ProjectStatus) error
}

// BuildStore defines operations for build management, including the staged
// dependency chain.
type BuildStore interface {
	// Create creates a new build.
	Create(ctx context.Context, build *models.Build) error
	// Get retrieves a build by ID.
	Get(ctx context.Context, id string) (*models.Build, error)
	// Update persists status, error and spend fields of an existing build.
	Update(ctx context.Context, build *models.Build) error
	// GetActive retrieves the project's build currently in queued or running
	// status, or ErrNotFound if none exists.
	GetActive(ctx context.Context, projectID string) (*models.Build, error)
	// GetUnresolvedFailure retrieves the project's most recent failed build
	// that has not been retried or dismissed, or ErrNotFound.
	GetUnresolvedFailure(ctx context.Context, projectID string) (*models.Build, error)
	// ListStaged retrieves the project's staged builds ordered by creation
	// time, which matches dependency order.
	ListStaged(ctx context.Context, projectID string) ([]*models.Build, error)
	// CountStaged returns the number of staged builds for a project.
	CountStaged(ctx context.Context, projectID string) (int, error)
	// GetDependent retrieves the pending build that depends on the given
	// build, or ErrNotFound. The chain invariant guarantees at most one.
	GetDependent(ctx context.Context, buildID string) (*models.Build, error)
	// Relink repoints builds depending on fromBuildID to toBuildID
	// (nil clears the dependency). Used for chain repair on deletion.
	Relink(ctx context.Context, fromBuildID string, toBuildID *string) error
	// Delete removes a build. Only staged builds are ever deleted.
	Delete(ctx context.Context, id string) error
	// AddSpend accumulates spend or refund totals on a build.
	AddSpend(ctx context.Context, id string, spent, refunded float64) error
	// ClearSteps removes all pipeline step records for a build.
	ClearSteps(ctx context.Context, buildID string) error
}

// JobStore defines operations for the durable job queue.
type JobStore interface {
	// Create enqueues a new job in queued status.
	Create(ctx context.Context, job *models.Job) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*models.Job, error)
	// ClaimNext atomically claims the oldest queued job, skipping rows locked
	// by concurrent claimants and projects that already have an active job.
	// projectID may be empty to claim across all projects.
	// Returns ErrNotFound when no job is claimable.
	ClaimNext(ctx context.Context, projectID, workerID string) (*models.Job, error)
	// MarkStale force-kills jobs in claimed or running status whose heartbeat
	// (or claim time, absent one) is older than the cutoff. Returns the ids
	// of the jobs killed.
	MarkStale(ctx context.Context, cutoff time.Time) ([]string, error)
	// ListRecoverable retrieves killed jobs whose kill timestamp is older
	// than the cooldown cutoff, locking them against concurrent sweeps.
	ListRecoverable(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	// Requeue resets a job to queued: clears worker binding, heartbeat,
	// kill timestamp and result.
	Requeue(ctx context.Context, id string) error
	// Heartbeat stamps the job's liveness. No-op unless the job is in
	// claimed or running status.
	Heartbeat(ctx context.Context, id string) error
	// SetStatus transitions a job, stamping result for terminal statuses.
	SetStatus(ctx context.Context, id string, status models.JobStatus, result []byte) error
	// CountByStatus returns job counts grouped by status.
	CountByStatus(ctx context.Context) (map[models.JobStatus]int, error)
	// OldestQueuedAge returns the age of the oldest queued job, or zero.
	OldestQueuedAge(ctx context.Context) (time.Duration, error)
}

// WorkerStore defines operations for the worker pool registry.
type WorkerStore interface {
	// Register inserts a worker or refreshes an existing registration,
	// returning it to idle status.
	Register(ctx context.Context, worker *models.Worker) error
	// Get retrieves a worker by ID.
	Get(ctx context.Context, id string) (*models.Worker, error)
	// List retrieves all registered workers, most recent heartbeat first.
	List(ctx context.Context) ([]*models.Worker, error)
	// Heartbeat stamps a worker's liveness.
	Heartbeat(ctx context.Context, id string) error
	// PruneStale forces workers with expired heartbeats or leases to error
	// status and clears their bindings. Returns the number pruned.
	PruneStale(ctx context.Context, heartbeatCutoff, now time.Time) (int, error)
	// GetBound retrieves the worker currently bound to a project, or
	// ErrNotFound.
	GetBound(ctx context.Context, projectID string) (*models.Worker, error)
	// FindIdleCandidate picks the best idle worker for a project: one
	// previously bound to or caching the project if possible, otherwise the
	// most recently heartbeated idle worker. Returns ErrNotFound if the pool
	// has no idle worker within the liveness window.
	FindIdleCandidate(ctx context.Context, projectID string, heartbeatCutoff time.Time) (*models.Worker, error)
	// TryClaim conditionally claims a worker: the update only applies while
	// the worker is still idle. Returns false when a concurrent claimant won.
	TryClaim(ctx context.Context, workerID, projectID, leaseOwner string, leaseExpiry time.Time) (bool, error)
	// Release unconditionally returns a worker to idle, clearing binding and
	// lease fields and recording the release reason.
	Release(ctx context.Context, workerID, reason string) error
}

// LedgerStore defines operations for the append-only credit ledger.
type LedgerStore interface {
	// Balance returns the user's current cached balance.
	Balance(ctx context.Context, userID string) (float64, error)
	// FindByIdempotencyKey retrieves a prior entry for the key, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (*models.LedgerEntry, error)
	// FindByExternalEventID retrieves a prior entry for the event, or ErrNotFound.
	FindByExternalEventID(ctx context.Context, userID, eventID string) (*models.LedgerEntry, error)
	// Append atomically applies the entry's amount to the cached balance and
	// persists the entry with the resulting balance. Returns
	// ErrInsufficientBalance without writing when the balance would go
	// negative.
	Append(ctx context.Context, entry *models.LedgerEntry) error
	// SpentOnBuild returns the total spent against a build so far.
	SpentOnBuild(ctx context.Context, buildID string) (float64, error)
	// RefundedOnBuild returns the total already refunded against a build for
	// the given adjustment reason.
	RefundedOnBuild(ctx context.Context, buildID, reason string) (float64, error)
	// ListByUser retrieves a user's entries, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
}
