package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/execution"
)

const executionSelect = `id::text, user_id, agent_id, agent_type, project_id, goal, state, failure_reason, failure_detail,
	current_step, context, modified_files, tokens_in, tokens_out, cost_usd, budget_limit, max_steps, version,
	created_at, updated_at, completed_at`

const executionColumns = `id, user_id, agent_id, agent_type, project_id, goal, state, failure_reason, failure_detail,
	current_step, context, modified_files, tokens_in, tokens_out, cost_usd, budget_limit, max_steps, version,
	created_at, updated_at, completed_at`

const stepSelect = `id::text, execution_id::text, sequence, action, input, output, status, error, sensitive, risky,
	confidence, duration_ms, confirmation, changes, created_at, started_at, finished_at`

const stepColumns = `id, execution_id, sequence, action, input, output, status, error, sensitive, risky,
	confidence, duration_ms, confirmation, changes, created_at, started_at, finished_at`

// CreateExecution inserts a new execution together with its initial steps.
func (s *Store) CreateExecution(ctx context.Context, e *execution.Execution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create execution: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		e.ID, e.UserID, e.AgentID, string(e.AgentType), e.ProjectID, e.Goal, string(e.State),
		string(e.FailureReason), e.FailureDetail, e.CurrentStep, nullJSON(e.Context), pgTextArray(e.ModifiedFiles),
		e.TokensIn, e.TokensOut, e.CostUSD, e.BudgetLimit, e.MaxSteps, e.Version,
		e.CreatedAt, e.UpdatedAt, e.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create execution %s: %w", e.ID, domain.ErrConflict)
		}
		return fmt.Errorf("create execution %s: %w", e.ID, err)
	}
	if err := upsertSteps(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetExecution loads an execution and its active (non-discarded) steps.
func (s *Store) GetExecution(ctx context.Context, id string) (*execution.Execution, error) {
	if !isUUID(id) {
		return nil, fmt.Errorf("get execution %s: %w", id, domain.ErrNotFound)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+executionSelect+` FROM executions WHERE id = $1`, id)
	e, err := scanExecution(row)
	if err != nil {
		return nil, notFoundWrap(err, "get execution %s", id)
	}
	steps, err := s.loadSteps(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	e.Steps = orEmptySteps(steps[id])
	return &e, nil
}

// UpdateExecution writes e under optimistic locking. The step ledger is
// synchronised: rows missing from e.Steps are marked discarded, the rest are
// upserted by id.
func (s *Store) UpdateExecution(ctx context.Context, e *execution.Execution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("update execution: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE executions SET state=$3, failure_reason=$4, failure_detail=$5, current_step=$6, context=$7,
		        modified_files=$8, tokens_in=$9, tokens_out=$10, cost_usd=$11, budget_limit=$12, max_steps=$13,
		        updated_at=$14, completed_at=$15, version = version + 1
		 WHERE id = $1 AND version = $2`,
		e.ID, e.Version, string(e.State), string(e.FailureReason), e.FailureDetail, e.CurrentStep,
		nullJSON(e.Context), pgTextArray(e.ModifiedFiles), e.TokensIn, e.TokensOut, e.CostUSD,
		e.BudgetLimit, e.MaxSteps, e.UpdatedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM executions WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update execution %s: %w", e.ID, err)
		}
		if !exists {
			return fmt.Errorf("update execution %s: %w", e.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("update execution %s (version %d): %w", e.ID, e.Version, domain.ErrConflict)
	}

	ids := make([]string, len(e.Steps))
	for i := range e.Steps {
		ids[i] = e.Steps[i].ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE steps SET discarded = TRUE WHERE execution_id = $1 AND NOT discarded AND NOT (id::text = ANY($2))`,
		e.ID, ids); err != nil {
		return fmt.Errorf("discard steps of %s: %w", e.ID, err)
	}
	if err := upsertSteps(ctx, tx, e); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("update execution %s: commit: %w", e.ID, err)
	}
	e.Version++
	return nil
}

// ListExecutionsByState returns all executions in any of the given states.
func (s *Store) ListExecutionsByState(ctx context.Context, states ...execution.State) ([]execution.Execution, error) {
	names := make([]string, len(states))
	for i, st := range states {
		names[i] = string(st)
	}
	return s.listExecutions(ctx,
		`SELECT `+executionSelect+` FROM executions WHERE state = ANY($1) ORDER BY created_at`, names)
}

// ListExecutionsByUser returns the user's most recent executions.
func (s *Store) ListExecutionsByUser(ctx context.Context, userID string, limit int) ([]execution.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listExecutions(ctx,
		`SELECT `+executionSelect+` FROM executions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (s *Store) listExecutions(ctx context.Context, query string, args ...any) ([]execution.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	steps, err := s.loadSteps(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Steps = orEmptySteps(steps[out[i].ID])
	}
	return out, nil
}

// loadSteps returns the active steps of the given executions keyed by id.
func (s *Store) loadSteps(ctx context.Context, executionIDs []string) (map[string][]execution.Step, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepSelect+` FROM steps
		 WHERE execution_id::text = ANY($1) AND NOT discarded
		 ORDER BY execution_id, sequence`, executionIDs)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]execution.Step, len(executionIDs))
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		out[st.ExecutionID] = append(out[st.ExecutionID], st)
	}
	return out, rows.Err()
}

func upsertSteps(ctx context.Context, tx pgx.Tx, e *execution.Execution) error {
	if len(e.Steps) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range e.Steps {
		st := &e.Steps[i]
		conf, err := marshalNullable(st.Confirmation)
		if err != nil {
			return fmt.Errorf("encode confirmation of step %d: %w", st.Sequence, err)
		}
		changes, err := marshalNullable(st.Changes)
		if err != nil {
			return fmt.Errorf("encode changes of step %d: %w", st.Sequence, err)
		}
		batch.Queue(
			`INSERT INTO steps (`+stepColumns+`, discarded)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,FALSE)
			 ON CONFLICT (id) DO UPDATE SET
			   sequence=EXCLUDED.sequence, input=EXCLUDED.input, output=EXCLUDED.output, status=EXCLUDED.status,
			   error=EXCLUDED.error, sensitive=EXCLUDED.sensitive, risky=EXCLUDED.risky,
			   confidence=EXCLUDED.confidence, duration_ms=EXCLUDED.duration_ms,
			   confirmation=EXCLUDED.confirmation, changes=EXCLUDED.changes,
			   started_at=EXCLUDED.started_at, finished_at=EXCLUDED.finished_at, discarded=FALSE`,
			st.ID, e.ID, st.Sequence, st.Action, nullJSON(st.Input), nullJSON(st.Output), string(st.Status),
			st.Error, st.Sensitive, st.Risky, st.Confidence, st.DurationMS, conf, changes,
			st.CreatedAt, st.StartedAt, st.FinishedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert steps of %s: %w", e.ID, err)
	}
	return nil
}

func scanExecution(row scannable) (execution.Execution, error) {
	var (
		e                        execution.Execution
		agentType, state, reason string
		ctxJSON                  []byte
	)
	err := row.Scan(&e.ID, &e.UserID, &e.AgentID, &agentType, &e.ProjectID, &e.Goal, &state, &reason,
		&e.FailureDetail, &e.CurrentStep, &ctxJSON, &e.ModifiedFiles, &e.TokensIn, &e.TokensOut,
		&e.CostUSD, &e.BudgetLimit, &e.MaxSteps, &e.Version, &e.CreatedAt, &e.UpdatedAt, &e.CompletedAt)
	if err != nil {
		return e, err
	}
	e.AgentType = execution.AgentType(agentType)
	e.State = execution.State(state)
	e.FailureReason = execution.FailureReason(reason)
	if len(ctxJSON) > 0 {
		e.Context = json.RawMessage(ctxJSON)
	}
	if len(e.ModifiedFiles) == 0 {
		e.ModifiedFiles = nil
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.CompletedAt = utc(e.CompletedAt)
	return e, nil
}

func scanStep(row scannable) (execution.Step, error) {
	var (
		st                    execution.Step
		status                string
		input, output         []byte
		confJSON, changesJSON []byte
	)
	err := row.Scan(&st.ID, &st.ExecutionID, &st.Sequence, &st.Action, &input, &output, &status, &st.Error,
		&st.Sensitive, &st.Risky, &st.Confidence, &st.DurationMS, &confJSON, &changesJSON,
		&st.CreatedAt, &st.StartedAt, &st.FinishedAt)
	if err != nil {
		return st, err
	}
	st.Status = execution.StepStatus(status)
	if len(input) > 0 {
		st.Input = json.RawMessage(input)
	}
	if len(output) > 0 {
		st.Output = json.RawMessage(output)
	}
	if st.Confirmation, err = unmarshalNullable[execution.Confirmation](confJSON); err != nil {
		return st, fmt.Errorf("decode confirmation: %w", err)
	}
	if st.Changes, err = unmarshalNullable[execution.Changes](changesJSON); err != nil {
		return st, fmt.Errorf("decode changes: %w", err)
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.StartedAt = utc(st.StartedAt)
	st.FinishedAt = utc(st.FinishedAt)
	return st, nil
}

func orEmptySteps(s []execution.Step) []execution.Step {
	if s == nil {
		return []execution.Step{}
	}
	return s
}

// isUniqueViolation reports a unique-constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
