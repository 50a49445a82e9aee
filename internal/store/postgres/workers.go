package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// WorkerStore implements store.WorkerStore using PostgreSQL.
//
// Claiming a worker is a compare-and-swap style conditional update guarded
// on status = 'idle'; exactly one of any set of concurrent claimants wins.
type WorkerStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *WorkerStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const workerColumns = `
	id, COALESCE(project_id, ''), status, base_url, cached_project_ids,
	COALESCE(lease_owner, ''), lease_expires_at, last_heartbeat,
	COALESCE(last_error, ''), released_at, registered_at`

// Register inserts a worker or refreshes an existing registration.
// A re-registering worker always comes back idle with cleared bindings:
// registration happens on boot, so any previous lease is gone.
func (s *WorkerStore) Register(ctx context.Context, worker *models.Worker) error {
	query := `
		INSERT INTO workers (id, status, base_url, cached_project_ids,
			last_heartbeat, registered_at)
		VALUES ($1, 'idle', $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = 'idle',
			base_url = EXCLUDED.base_url,
			cached_project_ids = EXCLUDED.cached_project_ids,
			project_id = NULL,
			lease_owner = NULL,
			lease_expires_at = NULL,
			last_error = NULL,
			last_heartbeat = EXCLUDED.last_heartbeat
		RETURNING registered_at`

	now := time.Now().UTC()
	if worker.LastHeartbeat.IsZero() {
		worker.LastHeartbeat = now
	}
	err := s.conn().QueryRowContext(ctx, query,
		worker.ID, worker.BaseURL, pq.Array(worker.CachedProjectIDs), now,
	).Scan(&worker.RegisteredAt)
	if err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}
	worker.Status = models.WorkerStatusIdle
	return nil
}

// Get retrieves a worker by ID.
func (s *WorkerStore) Get(ctx context.Context, id string) (*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE id = $1`

	worker, err := scanWorker(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying worker: %w", err)
	}
	return worker, nil
}

// List retrieves all registered workers, most recent heartbeat first.
func (s *WorkerStore) List(ctx context.Context) ([]*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers ORDER BY last_heartbeat DESC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying workers: %w", err)
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning worker row: %w", err)
		}
		workers = append(workers, worker)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating worker rows: %w", err)
	}
	return workers, nil
}

// Heartbeat stamps a worker's liveness.
func (s *WorkerStore) Heartbeat(ctx context.Context, id string) error {
	query := `UPDATE workers SET last_heartbeat = $2 WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating worker heartbeat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PruneStale forces workers with expired heartbeats or leases to error
// status. An expired lease is reclaimable even while the worker still
// heartbeats, bounding the maximum hold time per claim.
func (s *WorkerStore) PruneStale(ctx context.Context, heartbeatCutoff, now time.Time) (int, error) {
	query := `
		UPDATE workers
		SET status = 'error', project_id = NULL, lease_owner = NULL,
			lease_expires_at = NULL, last_error = 'pruned: stale heartbeat or expired lease'
		WHERE status IN ('idle', 'busy', 'starting')
			AND (last_heartbeat < $1
				OR (lease_expires_at IS NOT NULL AND lease_expires_at < $2))`

	result, err := s.conn().ExecContext(ctx, query, heartbeatCutoff, now)
	if err != nil {
		return 0, fmt.Errorf("pruning stale workers: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(rows), nil
}

// GetBound retrieves the worker currently bound to a project.
func (s *WorkerStore) GetBound(ctx context.Context, projectID string) (*models.Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE project_id = $1 LIMIT 1`

	worker, err := scanWorker(s.conn().QueryRowContext(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying bound worker: %w", err)
	}
	return worker, nil
}

// FindIdleCandidate picks the best idle worker for a project. Workers that
// previously served the project (and still cache its workspace) are
// preferred so warm state is reused; otherwise the most recently
// heartbeated idle worker wins.
func (s *WorkerStore) FindIdleCandidate(ctx context.Context, projectID string, heartbeatCutoff time.Time) (*models.Worker, error) {
	query := `
		SELECT ` + workerColumns + `
		FROM workers
		WHERE status = 'idle' AND last_heartbeat >= $2
		ORDER BY ($1 = ANY(cached_project_ids)) DESC, last_heartbeat DESC
		LIMIT 1`

	worker, err := scanWorker(s.conn().QueryRowContext(ctx, query, projectID, heartbeatCutoff))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying idle worker: %w", err)
	}
	return worker, nil
}

// TryClaim conditionally claims a worker. The status = 'idle' guard makes
// the claim atomic: of any set of concurrent claimants exactly one update
// affects a row, and the losers see false.
func (s *WorkerStore) TryClaim(ctx context.Context, workerID, projectID, leaseOwner string, leaseExpiry time.Time) (bool, error) {
	query := `
		UPDATE workers
		SET status = 'busy', project_id = $2, lease_owner = $3,
			lease_expires_at = $4, released_at = NULL,
			cached_project_ids = (
				SELECT ARRAY(SELECT DISTINCT unnest(cached_project_ids || $2::text))
			)
		WHERE id = $1 AND status = 'idle'`

	result, err := s.conn().ExecContext(ctx, query, workerID, projectID, leaseOwner, leaseExpiry)
	if err != nil {
		return false, fmt.Errorf("claiming worker: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return rows == 1, nil
}

// Release unconditionally returns a worker to idle, recording the reason.
func (s *WorkerStore) Release(ctx context.Context, workerID, reason string) error {
	query := `
		UPDATE workers
		SET status = 'idle', project_id = NULL, lease_owner = NULL,
			lease_expires_at = NULL, last_error = NULLIF($2, ''),
			released_at = $3
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, workerID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("releasing worker: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanWorker(row scanner) (*models.Worker, error) {
	worker := &models.Worker{}
	var leaseExpiry, releasedAt sql.NullTime
	err := row.Scan(
		&worker.ID, &worker.ProjectID, &worker.Status, &worker.BaseURL,
		pq.Array(&worker.CachedProjectIDs),
		&worker.LeaseOwner, &leaseExpiry, &worker.LastHeartbeat,
		&worker.LastError, &releasedAt, &worker.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	if leaseExpiry.Valid {
		worker.LeaseExpiresAt = &leaseExpiry.Time
	}
	if releasedAt.Valid {
		worker.ReleasedAt = &releasedAt.Time
	}
	return worker, nil
}
