package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/execution"
)

const executionColumns = `id, user_id, agent_id, agent_type, project_id, goal, state, failure_reason, failure_detail,
	current_step, steps, context, modified_files, tokens_in, tokens_out, cost_usd, budget_limit, max_steps, version,
	created_at, updated_at, completed_at`

// The step ledger is stored as one JSON document per execution, so a
// rollback that truncates the ledger is a plain overwrite.

// CreateExecution inserts a new execution.
func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	steps, files, err := encodeLedger(e)
	if err != nil {
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.AgentID, string(e.AgentType), e.ProjectID, e.Goal, string(e.State),
		string(e.FailureReason), e.FailureDetail, e.CurrentStep, steps, nullText(e.Context), files,
		e.TokensIn, e.TokensOut, e.CostUSD, e.BudgetLimit, e.MaxSteps, e.Version,
		formatTime(e.CreatedAt), formatTime(e.UpdatedAt), formatTimePtr(e.CompletedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("create execution %s: %w", e.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	return nil
}

// GetExecution loads an execution with its step ledger.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFoundWrap(err, "get execution %s", id)
	}
	return &e, nil
}

// UpdateExecution writes e if the stored version equals e.Version.
func (s *Store) UpdateExecution(ctx context.Context, e *execution.Execution) error {
	steps, files, err := encodeLedger(e)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET state=?, failure_reason=?, failure_detail=?, current_step=?, steps=?, context=?,
		        modified_files=?, tokens_in=?, tokens_out=?, cost_usd=?, budget_limit=?, max_steps=?,
		        updated_at=?, completed_at=?, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(e.State), string(e.FailureReason), e.FailureDetail, e.CurrentStep, steps, nullText(e.Context),
		files, e.TokensIn, e.TokensOut, e.CostUSD, e.BudgetLimit, e.MaxSteps,
		formatTime(e.UpdatedAt), formatTimePtr(e.CompletedAt), e.ID, e.Version)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = ?)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update execution %s: %w", e.ID, err)
		}
		if !exists {
			return fmt.Errorf("update execution %s: %w", e.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("update execution %s (version %d): %w", e.ID, e.Version, domain.ErrConflict)
	}
	e.Version++
	return nil
}

// ListExecutionsByState returns all executions in any of the given states.
func (s *Store) ListExecutionsByState(ctx context.Context, states ...execution.State) ([]execution.Execution, error) {
	if len(states) == 0 {
		return nil, nil
	}
	marks := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		marks[i] = "?"
		args[i] = string(st)
	}
	return s.listExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE state IN (`+strings.Join(marks, ",")+`) ORDER BY created_at`,
		args...)
}

// ListExecutionsByUser returns the user's most recent executions.
func (s *Store) ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]execution.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listExecutions(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

func (s *Store) listExecutions(ctx context.Context, query string, args ...any) ([]execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []execution.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeLedger(e *execution.Execution) (steps, files string, err error) {
	st := e.Steps
	if st == nil {
		st = []execution.Step{}
	}
	b, err := json.Marshal(st)
	if err != nil {
		return "", "", fmt.Errorf("encode steps: %w", err)
	}
	mf := e.ModifiedFiles
	if mf == nil {
		mf = []string{}
	}
	f, err := json.Marshal(mf)
	if err != nil {
		return "", "", fmt.Errorf("encode modified files: %w", err)
	}
	return string(b), string(f), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (execution.Execution, error) {
	var (
		e                        execution.Execution
		agentType, state, reason string
		steps, files             string
		ctxJSON, completed       sql.NullString
		created, updated         string
	)
	err := row.Scan(&e.ID, &e.UserID, &e.AgentID, &agentType, &e.ProjectID, &e.Goal, &state, &reason,
		&e.FailureDetail, &e.CurrentStep, &steps, &ctxJSON, &files, &e.TokensIn, &e.TokensOut,
		&e.CostUSD, &e.BudgetLimit, &e.MaxSteps, &e.Version, &created, &updated, &completed)
	if err != nil {
		return e, err
	}
	e.AgentType = execution.AgentType(agentType)
	e.State = execution.State(state)
	e.FailureReason = execution.FailureReason(reason)
	if err := json.Unmarshal([]byte(steps), &e.Steps); err != nil {
		return e, fmt.Errorf("decode steps of %s: %w", e.ID, err)
	}
	if e.Steps == nil {
		e.Steps = []execution.Step{}
	}
	if err := json.Unmarshal([]byte(files), &e.ModifiedFiles); err != nil {
		return e, fmt.Errorf("decode modified files of %s: %w", e.ID, err)
	}
	if len(e.ModifiedFiles) == 0 {
		e.ModifiedFiles = nil
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		e.Context = json.RawMessage(ctxJSON.String)
	}
	if e.CreatedAt, err = parseTime(created); err != nil {
		return e, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return e, err
	}
	if e.CompletedAt, err = parseTimePtr(completed); err != nil {
		return e, err
	}
	return e, nil
}
