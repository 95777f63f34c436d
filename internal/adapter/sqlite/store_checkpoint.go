package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
)

const checkpointColumns = `id, execution_id, step_number, description, state, rollback, automatic, digest, created_at`

// CreateCheckpoint inserts a sealed checkpoint.
func (s *Store) CreateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("encode checkpoint state: %w", err)
	}
	rb, err := json.Marshal(cp.Rollback)
	if err != nil {
		return fmt.Errorf("encode checkpoint rollback: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ExecutionID, cp.StepNumber, cp.Description, state, rb, cp.Automatic, cp.Digest,
		formatTime(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("create checkpoint for %s: %w", cp.ExecutionID, err)
	}
	return nil
}

// GetCheckpoint loads a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get checkpoint %s", id)
	}
	return &cp, nil
}

// ListCheckpoints returns the checkpoints of an execution, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, executionID string) ([]checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE execution_id = ? ORDER BY step_number DESC, created_at DESC`, executionID)
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
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx,
		`SELECT `+checkpointColumns+` FROM checkpoints
		 WHERE execution_id = ? ORDER BY step_number DESC, created_at DESC LIMIT 1`, executionID))
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
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE id IN (`+strings.Join(marks, ",")+`)`, args...); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return nil
}

func scanCheckpoint(row rowScanner) (checkpoint.Checkpoint, error) {
	var (
		cp        checkpoint.Checkpoint
		state, rb []byte
		created   string
	)
	if err := row.Scan(&cp.ID, &cp.ExecutionID, &cp.StepNumber, &cp.Description, &state, &rb,
		&cp.Automatic, &cp.Digest, &created); err != nil {
		return cp, err
	}
	if err := json.Unmarshal(state, &cp.State); err != nil {
		return cp, fmt.Errorf("decode checkpoint state: %w", err)
	}
	if err := json.Unmarshal(rb, &cp.Rollback); err != nil {
		return cp, fmt.Errorf("decode checkpoint rollback: %w", err)
	}
	var err error
	cp.CreatedAt, err = parseTime(created)
	return cp, err
}
