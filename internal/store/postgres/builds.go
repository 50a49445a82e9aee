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

// BuildStore implements store.BuildStore using PostgreSQL.
type BuildStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *BuildStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const buildColumns = `
	id, project_id, user_id, status, content, depends_on_build_id,
	COALESCE(error_code, ''), COALESCE(error_message, ''),
	spend_total, refunded_total, promoted, version, created_at, updated_at`

// Create creates a new build.
func (s *BuildStore) Create(ctx context.Context, build *models.Build) error {
	query := `
		INSERT INTO builds (id, project_id, user_id, status, content,
			depends_on_build_id, spend_total, refunded_total, promoted,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, false, 1, $7, $7)`

	now := time.Now().UTC()
	_, err := s.conn().ExecContext(ctx, query,
		build.ID, build.ProjectID, build.UserID, build.Status,
		build.Content, build.DependsOnBuildID, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateKey
		}
		return fmt.Errorf("inserting build: %w", err)
	}
	build.Version = 1
	build.CreatedAt = now
	build.UpdatedAt = now
	return nil
}

// Get retrieves a build by ID.
func (s *BuildStore) Get(ctx context.Context, id string) (*models.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE id = $1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}
	return build, nil
}

// Update persists status, error and spend fields of an existing build.
// The version column guards against lost updates from concurrent writers.
func (s *BuildStore) Update(ctx context.Context, build *models.Build) error {
	query := `
		UPDATE builds
		SET status = $2, error_code = NULLIF($3, ''),
			error_message = NULLIF($4, ''), depends_on_build_id = $5,
			promoted = $6, version = version + 1, updated_at = $7
		WHERE id = $1 AND version = $8`

	now := time.Now().UTC()
	result, err := s.conn().ExecContext(ctx, query,
		build.ID, build.Status, build.ErrorCode, build.ErrorMessage,
		build.DependsOnBuildID, build.Promoted, now, build.Version,
	)
	if err != nil {
		return fmt.Errorf("updating build: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrNotFound
	}
	build.Version++
	build.UpdatedAt = now
	return nil
}

// GetActive retrieves the project's build currently in queued or running
// status. Staged builds are pending and therefore never returned here.
func (s *BuildStore) GetActive(ctx context.Context, projectID string) (*models.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE project_id = $1 AND status IN ('queued', 'running')
		ORDER BY created_at DESC
		LIMIT 1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying active build: %w", err)
	}
	return build, nil
}

// GetUnresolvedFailure retrieves the project's most recent failed build.
// A retried build moves to queued and a dismissed one to cancelled, so any
// build still in failed status blocks new messages.
func (s *BuildStore) GetUnresolvedFailure(ctx context.Context, projectID string) (*models.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE project_id = $1 AND status = 'failed'
		ORDER BY created_at DESC
		LIMIT 1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, projectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying failed build: %w", err)
	}
	return build, nil
}

// ListStaged retrieves the project's staged builds ordered by creation time.
// Creation order matches dependency order because each staged build depends
// on the chain tail at the time it was created.
func (s *BuildStore) ListStaged(ctx context.Context, projectID string) ([]*models.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE project_id = $1 AND status = 'pending'
			AND depends_on_build_id IS NOT NULL
		ORDER BY created_at ASC`

	rows, err := s.conn().QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying staged builds: %w", err)
	}
	defer rows.Close()

	var builds []*models.Build
	for rows.Next() {
		build, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build row: %w", err)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating build rows: %w", err)
	}
	return builds, nil
}

// CountStaged returns the number of staged builds for a project.
func (s *BuildStore) CountStaged(ctx context.Context, projectID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM builds
		WHERE project_id = $1 AND status = 'pending'
			AND depends_on_build_id IS NOT NULL`

	var count int
	if err := s.conn().QueryRowContext(ctx, query, projectID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting staged builds: %w", err)
	}
	return count, nil
}

// GetDependent retrieves the pending build that depends on the given build.
func (s *BuildStore) GetDependent(ctx context.Context, buildID string) (*models.Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM builds
		WHERE depends_on_build_id = $1 AND status = 'pending'
		LIMIT 1`

	build, err := scanBuild(s.conn().QueryRowContext(ctx, query, buildID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying dependent build: %w", err)
	}
	return build, nil
}

// Relink repoints builds depending on fromBuildID to toBuildID, keeping the
// staged chain contiguous when a link is deleted.
func (s *BuildStore) Relink(ctx context.Context, fromBuildID string, toBuildID *string) error {
	query := `
		UPDATE builds
		SET depends_on_build_id = $2, updated_at = $3
		WHERE depends_on_build_id = $1`

	_, err := s.conn().ExecContext(ctx, query, fromBuildID, toBuildID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("relinking dependents: %w", err)
	}
	return nil
}

// Delete removes a build.
func (s *BuildStore) Delete(ctx context.Context, id string) error {
	result, err := s.conn().ExecContext(ctx, `DELETE FROM builds WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting build: %w", err)
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

// AddSpend accumulates spend or refund totals on a build.
func (s *BuildStore) AddSpend(ctx context.Context, id string, spent, refunded float64) error {
	query := `
		UPDATE builds
		SET spend_total = spend_total + $2,
			refunded_total = refunded_total + $3,
			updated_at = $4
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, spent, refunded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating build spend: %w", err)
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

// ClearSteps removes all pipeline step records for a build.
func (s *BuildStore) ClearSteps(ctx context.Context, buildID string) error {
	if _, err := s.conn().ExecContext(ctx, `DELETE FROM build_steps WHERE build_id = $1`, buildID); err != nil {
		return fmt.Errorf("clearing build steps: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*models.Build, error) {
	build := &models.Build{}
	err := row.Scan(
		&build.ID, &build.ProjectID, &build.UserID, &build.Status,
		&build.Content, &build.DependsOnBuildID,
		&build.ErrorCode, &build.ErrorMessage,
		&build.SpendTotal, &build.RefundedTotal,
		&build.Promoted, &build.Version,
		&build.CreatedAt, &build.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return build, nil
}
