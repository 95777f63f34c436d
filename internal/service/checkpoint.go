package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/pool"
	"github.com/Strob0t/agentengine/internal/port/database"
	"github.com/Strob0t/agentengine/internal/port/workspace"
)

// CheckpointService creates, prunes and restores execution checkpoints.
type CheckpointService struct {
	store     database.CheckpointStore
	reverter  database.Reverter
	files     workspace.Files
	workers   *pool.Pool
	retention int
	now       func() time.Time
}

// NewCheckpointService creates a CheckpointService. files and reverter may be
// nil, in which case file snapshots or DB reversal are skipped.
func NewCheckpointService(store database.CheckpointStore, reverter database.Reverter, files workspace.Files, workers *pool.Pool, retention int) *CheckpointService {
	if retention <= 0 {
		retention = checkpoint.DefaultRetention
	}
	return &CheckpointService{
		store:     store,
		reverter:  reverter,
		files:     files,
		workers:   workers,
		retention: retention,
		now:       time.Now,
	}
}

// Create snapshots e at its current step: the state, the content of every
// modified file and the DB changes recorded so far. Automatic checkpoints
// trigger retention pruning.
func (s *CheckpointService) Create(ctx context.Context, e *execution.Execution, description string, automatic bool) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: e.ID,
		StepNumber:  e.CurrentStep,
		Description: description,
		State:       checkpoint.SnapshotOf(e),
		Automatic:   automatic,
		CreatedAt:   s.now().UTC(),
	}

	files, err := s.snapshotFiles(ctx, e.ProjectID, e.ModifiedFiles)
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s files: %w: %w", e.ID, domain.ErrPersistence, err)
	}
	cp.Rollback = checkpoint.RollbackData{
		Files: files,
		DB:    checkpoint.CollectDB(e.Steps, e.CurrentStep),
	}
	if err := cp.Seal(); err != nil {
		return nil, fmt.Errorf("seal checkpoint: %w", err)
	}
	if err := s.store.CreateCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w: %w", domain.ErrPersistence, err)
	}

	if automatic {
		s.prune(ctx, e.ID)
	}
	return cp, nil
}

// Get returns one checkpoint.
func (s *CheckpointService) Get(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	return s.store.GetCheckpoint(ctx, id)
}

// List returns the checkpoints of an execution, newest first.
func (s *CheckpointService) List(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	cps, err := s.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	checkpoint.SortNewestFirst(cps)
	return cps, nil
}

// Latest returns the newest checkpoint of an execution.
func (s *CheckpointService) Latest(ctx context.Context, executionID string) (*checkpoint.Checkpoint, error) {
	return s.store.LatestCheckpoint(ctx, executionID)
}

// Restore rolls e back to cp. Changes journaled by steps after the
// checkpoint are reversed newest first, the checkpoint's file snapshots are
// rewritten, and the state snapshot replaces the ledger. The execution ends
// up paused with its failure fields cleared.
func (s *CheckpointService) Restore(ctx context.Context, e *execution.Execution, cp *checkpoint.Checkpoint) error {
	if cp.ExecutionID != e.ID {
		return fmt.Errorf("checkpoint %s belongs to execution %s: %w", cp.ID, cp.ExecutionID, domain.ErrValidation)
	}
	if err := cp.Verify(); err != nil {
		return err
	}

	undo := checkpoint.Reversal(e.Steps, cp.StepNumber)
	if s.files != nil {
		// Sequential: the same path may appear more than once.
		for _, f := range undo.Files {
			if err := s.files.Restore(ctx, e.ProjectID, f); err != nil {
				return fmt.Errorf("revert %s: %w: %w", f.Path, domain.ErrPersistence, err)
			}
		}
	}
	if s.reverter != nil {
		for _, c := range undo.DB {
			if err := s.reverter.RevertDBChange(ctx, c); err != nil {
				return fmt.Errorf("revert %s %v: %w: %w", c.Table, c.Key, domain.ErrPersistence, err)
			}
		}
	}
	if s.files != nil && len(cp.Rollback.Files) > 0 {
		err := pool.ForEach(ctx, s.workers.Limit(), cp.Rollback.Files, func(ctx context.Context, f checkpoint.FileSnapshot) error {
			return s.files.Restore(ctx, e.ProjectID, f)
		})
		if err != nil {
			return fmt.Errorf("restore checkpoint files: %w: %w", domain.ErrPersistence, err)
		}
	}

	cp.State.Restore(e)
	e.State = execution.StatePaused
	e.FailureReason = ""
	e.FailureDetail = ""
	e.CompletedAt = nil
	e.UpdatedAt = s.now().UTC()
	return nil
}

func (s *CheckpointService) snapshotFiles(ctx context.Context, projectID string, paths []string) ([]checkpoint.FileSnapshot, error) {
	if s.files == nil || len(paths) == 0 {
		return nil, nil
	}
	out := make([]checkpoint.FileSnapshot, len(paths))
	idx := make([]int, len(paths))
	for i := range idx {
		idx[i] = i
	}
	err := pool.ForEach(ctx, s.workers.Limit(), idx, func(ctx context.Context, i int) error {
		fs, err := s.files.Snapshot(ctx, projectID, paths[i])
		if err != nil {
			return err
		}
		fs.Action = "snapshot"
		out[i] = fs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// prune deletes automatic checkpoints beyond the retention count. Manual
// checkpoints are kept.
func (s *CheckpointService) prune(ctx context.Context, executionID string) {
	cps, err := s.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		slog.Warn("list checkpoints for pruning", "execution_id", executionID, "error", err)
		return
	}
	ids := checkpoint.Expired(cps, s.retention)
	if len(ids) == 0 {
		return
	}
	if err := s.store.DeleteCheckpoints(ctx, ids); err != nil {
		slog.Warn("prune checkpoints", "execution_id", executionID, "count", len(ids), "error", err)
		return
	}
	slog.Debug("pruned checkpoints", "execution_id", executionID, "count", len(ids))
}
