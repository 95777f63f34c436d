package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
)

const checkpointSelect = `id::text, execution_id::text, step_number, description, state, rollback, automatic, digest, created_at`

// CreateCheckpoint inserts a sealed checkpoint. The state and rollback
// payloads are stored as raw JSON bytes so the digest can be re-verified.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	rb, err := json.Marshal(cp.Rollback)
	if err != nil {
		return fmt.Errorf("encode checkpoint rollback: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (id, execution_id, step_number, description, state, rollback, automatic, digest, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.ID, cp.ExecutionID, cp.StepNumber, cp.Description, state, rb, cp.Automatic, cp.Digest, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("create checkpoint for %s: %w", cp.ExecutionID, err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	if !isUUID(id) {
		return nil, fmt.Errorf("get checkpoint %s: %w", id, domain.ErrNotFound)
	}
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, `SELECT `+checkpointSelect+` FROM checkpoints WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get checkpoint %s", id)
	}
	return &cp, nil
}

// ListCheckpoints returns the checkpoints of an execution, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	if !isUUID(executionID) {
		return []checkpoint.Checkpoint{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+checkpointSelect+` FROM checkpoints
		 WHERE execution_id = $1 ORDER BY step_number DESC, created_at DESC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []checkpoint.Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the newest checkpoint of an execution.
func (s *Store) LatestCheckpoint(ctx context.Context, executionID string) (*checkpoint.Checkpoint, error) {
	if !isUUID(executionID) {
		return nil, fmt.Errorf("latest checkpoint of %s: %w", executionID, domain.ErrNotFound)
	}
	cp, err := scanCheckpoint(s.pool.QueryRow(ctx,
		`SELECT `+checkpointSelect+` FROM checkpoints
		 WHERE execution_id = $1 ORDER BY step_number DESC, created_at DESC LIMIT 1`, executionID))
	if err != nil {
		return nil, notFoundWrap(err, "latest checkpoint of %s", executionID)
	}
	return &cp, nil
}

// DeleteCheckpoints removes the given checkpoints. Unknown ids are ignored.
func (s *Store) DeleteCheckpoints(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE id::text = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

func scanCheckpoint(row scannable) (checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		state, rb []byte
	)
	if err := row.Scan(&cp.ID, &cp.ExecutionID, &cp.StepNumber, &cp.Description, &state, &rb,
		&cp.Automatic, &cp.Digest, &cp.CreatedAt); err != nil {
		return cp, err
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return cp, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if err := json.Unmarshal(rb, &cp.Rollback); err != nil {
		return cp, fmt.Errorf("decode checkpoint rollback: %w", err)
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}
