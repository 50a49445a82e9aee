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

// ProjectStore implements store.ProjectStore using PostgreSQL.
type ProjectStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *ProjectStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Upsert creates the project if missing and updates its status otherwise.
func (s *ProjectStore) Upsert(ctx context.Context, project *models.Project) error {
	query := `
		INSERT INTO projects (id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`

	now := time.Now().UTC()
	if project.Status == "" {
		project.Status = models.ProjectStatusIdle
	}
	err := s.conn().QueryRowContext(ctx, query,
		project.ID, project.UserID, project.Status, now,
	).Scan(&project.CreatedAt)
	if err != nil {
		return fmt.Errorf("upserting project: %w", err)
	}
	project.UpdatedAt = now
	return nil
}

// Get retrieves a project by ID.
func (s *ProjectStore) Get(ctx context.Context, id string) (*models.Project, error) {
	query := `
		SELECT id, user_id, status, created_at, updated_at
		FROM projects
		WHERE id = $1`

	project := &models.Project{}
	err := s.conn().QueryRowContext(ctx, query, id).Scan(
		&project.ID, &project.UserID, &project.Status,
		&project.CreatedAt, &project.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("querying project: %w", err)
	}
	return project, nil
}

// SetStatus updates a project's build status.
func (s *ProjectStore) SetStatus(ctx context.Context, id string, status models.ProjectStatus) error {
	query := `UPDATE projects SET status = $2, updated_at = $3 WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("updating project status: %w", err)
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
