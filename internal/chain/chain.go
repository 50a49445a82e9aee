// Package chain manages the per-project build dependency chain: at most one
// active build per project, new messages stacked behind it as staged builds,
// promotion of the next staged build when its dependency succeeds, and chain
// repair when a staged build is deleted.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/appforge/orchestrator/internal/models"
	"github.com/appforge/orchestrator/internal/store"
)

// MaxStagedBuilds caps the staged chain length per project. Messages past
// the cap are rejected so a user cannot queue unbounded paid work.
const MaxStagedBuilds = 3

// Common errors returned by chain operations.
var (
	// ErrMaxStagedBuilds is returned when the staged chain is full.
	ErrMaxStagedBuilds = errors.New("maximum staged builds reached")
	// ErrBuildFailed is returned when a prior build failed and has not been
	// retried or dismissed, blocking new messages.
	ErrBuildFailed = errors.New("previous build failed and is unresolved")
	// ErrBuildNotFound is returned when a build cannot be found.
	ErrBuildNotFound = errors.New("build not found")
	// ErrNotStaged is returned when deleting a build that is not staged.
	ErrNotStaged = errors.New("build is not staged")
	// ErrNotFailed is returned when retrying or dismissing a build that is
	// not in failed status.
	ErrNotFailed = errors.New("build is not in failed status")
	// ErrIllegalTransition is returned when a status change is not allowed
	// from the build's current status, e.g. a duplicate terminal callback.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// EnqueueResult reports the outcome of a chat message.
type EnqueueResult struct {
	// Staged is true when the build was stacked behind an active or staged
	// build instead of being enqueued immediately.
	Staged bool          `json:"staged"`
	Build  *models.Build `json:"build"`
}

// jobPayload is the work description handed to the worker via the job queue.
type jobPayload struct {
	BuildID   string `json:"build_id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
}

// Service implements build chain operations on the shared store.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new chain service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// EnqueueForMessage turns a chat message into a build. If the project has no
// active build the new build is enqueued immediately; otherwise it is staged
// behind the current chain tail. An unresolved failed build blocks new
// messages, and the staged chain is capped at MaxStagedBuilds.
func (s *Service) EnqueueForMessage(ctx context.Context, userID, projectID, content string) (*EnqueueResult, error) {
	res := &EnqueueResult{}
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.Builds().GetUnresolvedFailure(ctx, projectID); err == nil {
			return ErrBuildFailed
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		active, err := tx.Builds().GetActive(ctx, projectID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if active == nil {
			build, err := s.createAndEnqueue(ctx, tx, userID, projectID, content)
			if err != nil {
				return err
			}
			res.Build = build
			return nil
		}

		count, err := tx.Builds().CountStaged(ctx, projectID)
		if err != nil {
			return err
		}
		if count >= MaxStagedBuilds {
			return ErrMaxStagedBuilds
		}

		// The chain tail is the newest staged build, or the active build
		// when nothing is staged yet.
		tail := active.ID
		staged, err := tx.Builds().ListStaged(ctx, projectID)
		if err != nil {
			return err
		}
		if len(staged) > 0 {
			tail = staged[len(staged)-1].ID
		}

		build := &models.Build{
			ID:               uuid.NewString(),
			ProjectID:        projectID,
			UserID:           userID,
			Status:           models.BuildStatusPending,
			Content:          content,
			DependsOnBuildID: &tail,
		}
		if err := tx.Builds().Create(ctx, build); err != nil {
			return err
		}
		res.Staged = true
		res.Build = build
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("message accepted",
		"project_id", projectID,
		"build_id", res.Build.ID,
		"staged", res.Staged,
	)
	return res, nil
}

// createAndEnqueue creates a queued build with its job and marks the project
// as building.
func (s *Service) createAndEnqueue(ctx context.Context, tx store.Store, userID, projectID, content string) (*models.Build, error) {
	build := &models.Build{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		UserID:    userID,
		Status:    models.BuildStatusQueued,
		Content:   content,
	}
	if err := tx.Builds().Create(ctx, build); err != nil {
		return nil, err
	}
	if err := s.enqueueJob(ctx, tx, build); err != nil {
		return nil, err
	}
	if err := tx.Projects().Upsert(ctx, &models.Project{
		ID:     projectID,
		UserID: userID,
		Status: models.ProjectStatusBuilding,
	}); err != nil {
		return nil, err
	}
	return build, nil
}

func (s *Service) enqueueJob(ctx context.Context, tx store.Store, build *models.Build) error {
	payload, err := json.Marshal(jobPayload{
		BuildID:   build.ID,
		ProjectID: build.ProjectID,
		UserID:    build.UserID,
		Content:   build.Content,
	})
	if err != nil {
		return fmt.Errorf("marshaling job payload: %w", err)
	}
	return tx.Jobs().Create(ctx, &models.Job{
		ID:        uuid.NewString(),
		ProjectID: build.ProjectID,
		BuildID:   build.ID,
		Status:    models.JobStatusQueued,
		Payload:   payload,
	})
}

// CompleteBuild records a build's terminal status from the pipeline and, on
// success, promotes the next staged build in the chain. A failed build does
// not promote: its dependent stays pending until the failure is retried or
// dismissed.
func (s *Service) CompleteBuild(ctx context.Context, buildID string, status models.BuildStatus, errorCode, errorMessage string) (*models.Build, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal", status)
	}

	var completed *models.Build
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		build, err := tx.Builds().Get(ctx, buildID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrBuildNotFound
			}
			return err
		}

		if err := build.Transition(status); err != nil {
			return fmt.Errorf("%w: %v", ErrIllegalTransition, err)
		}
		build.ErrorCode = errorCode
		build.ErrorMessage = errorMessage
		if err := tx.Builds().Update(ctx, build); err != nil {
			return err
		}

		if status == models.BuildStatusSucceeded {
			if err := s.promoteDependent(ctx, tx, build); err != nil {
				return err
			}
		} else {
			if err := tx.Projects().SetStatus(ctx, build.ProjectID, models.ProjectStatusIdle); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		completed = build
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("build completed",
		"build_id", completed.ID,
		"project_id", completed.ProjectID,
		"status", completed.Status,
	)
	return completed, nil
}

// promoteDependent enqueues the staged build waiting on the succeeded one,
// or returns the project to idle when the chain is exhausted.
func (s *Service) promoteDependent(ctx context.Context, tx store.Store, build *models.Build) error {
	dependent, err := tx.Builds().GetDependent(ctx, build.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return s.setProjectStatus(ctx, tx, build.ProjectID, models.ProjectStatusIdle)
		}
		return err
	}

	if err := dependent.Transition(models.BuildStatusQueued); err != nil {
		return err
	}
	dependent.Promoted = true
	if err := tx.Builds().Update(ctx, dependent); err != nil {
		return err
	}
	if err := s.enqueueJob(ctx, tx, dependent); err != nil {
		return err
	}

	s.logger.Info("promoted staged build",
		"build_id", dependent.ID,
		"project_id", dependent.ProjectID,
		"depends_on", build.ID,
	)
	return s.setProjectStatus(ctx, tx, build.ProjectID, models.ProjectStatusBuilding)
}

func (s *Service) setProjectStatus(ctx context.Context, tx store.Store, projectID string, status models.ProjectStatus) error {
	if err := tx.Projects().SetStatus(ctx, projectID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// ListStaged returns the project's staged builds in dependency order.
func (s *Service) ListStaged(ctx context.Context, projectID string) ([]*models.Build, error) {
	return s.store.Builds().ListStaged(ctx, projectID)
}

// DeleteStaged removes one staged build and repairs the chain by repointing
// its dependent at the deleted build's own dependency. Only staged builds
// may be deleted; active and terminal builds are immutable history.
func (s *Service) DeleteStaged(ctx context.Context, userID, buildID string) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		build, err := tx.Builds().Get(ctx, buildID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrBuildNotFound
			}
			return err
		}
		if userID != "" && build.UserID != userID {
			return ErrBuildNotFound
		}
		if !build.Staged() {
			return ErrNotStaged
		}

		if err := tx.Builds().Relink(ctx, build.ID, build.DependsOnBuildID); err != nil {
			return err
		}
		return tx.Builds().Delete(ctx, build.ID)
	})
	if err != nil {
		return err
	}

	s.logger.Info("deleted staged build", "build_id", buildID)
	return nil
}

// Retry re-enqueues a failed build, clearing its error and unblocking the
// project for new messages.
func (s *Service) Retry(ctx context.Context, userID, buildID string) (*models.Build, error) {
	var retried *models.Build
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		build, err := s.getFailed(ctx, tx, userID, buildID)
		if err != nil {
			return err
		}

		if err := build.Transition(models.BuildStatusQueued); err != nil {
			return err
		}
		build.ErrorCode = ""
		build.ErrorMessage = ""
		if err := tx.Builds().Update(ctx, build); err != nil {
			return err
		}
		if err := tx.Builds().ClearSteps(ctx, build.ID); err != nil {
			return err
		}
		if err := s.enqueueJob(ctx, tx, build); err != nil {
			return err
		}
		if err := s.setProjectStatus(ctx, tx, build.ProjectID, models.ProjectStatusBuilding); err != nil {
			return err
		}
		retried = build
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("retrying failed build", "build_id", retried.ID)
	return retried, nil
}

// Dismiss cancels a failed build without re-running it. The dependent staged
// build, if any, is promoted so the chain keeps moving.
func (s *Service) Dismiss(ctx context.Context, userID, buildID string) (*models.Build, error) {
	var dismissed *models.Build
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		build, err := s.getFailed(ctx, tx, userID, buildID)
		if err != nil {
			return err
		}

		if err := build.Transition(models.BuildStatusCancelled); err != nil {
			return err
		}
		if err := tx.Builds().Update(ctx, build); err != nil {
			return err
		}
		if err := s.promoteDependent(ctx, tx, build); err != nil {
			return err
		}
		dismissed = build
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("dismissed failed build", "build_id", dismissed.ID)
	return dismissed, nil
}

func (s *Service) getFailed(ctx context.Context, tx store.Store, userID, buildID string) (*models.Build, error) {
	build, err := tx.Builds().Get(ctx, buildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrBuildNotFound
		}
		return nil, err
	}
	if userID != "" && build.UserID != userID {
		return nil, ErrBuildNotFound
	}
	if build.Status != models.BuildStatusFailed {
		return nil, ErrNotFailed
	}
	return build, nil
}
