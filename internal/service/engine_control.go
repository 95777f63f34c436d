package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
)

// Pause switches a running execution to paused. A step already executing
// finishes first; the loop parks afterwards.
func (en *Engine) Pause(ctx context.Context, id, userID string) (*execution.Execution, error) {
	r, err := en.runnerFor(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := authorize(r.exec, userID); err != nil {
		return nil, err
	}
	if err := en.transitionLocked(ctx, r, execution.StatePaused); err != nil {
		return nil, err
	}
	en.record(ctx, r.exec, audit.CategoryExecution, audit.SeverityInfo, "execution.pause", "paused by user", nil)
	slog.Info("execution paused", "execution_id", id, "step", r.exec.CurrentStep)
	return r.exec.Clone(), nil
}

// Resume re-enters the loop of a paused execution, or approves the pending
// step of one awaiting confirmation. The budget is checked first; a user
// over the limit fails the execution with budget_exceeded.
func (en *Engine) Resume(ctx context.Context, id, userID string) (*execution.Execution, error) {
	r, err := en.runnerFor(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if err := authorize(r.exec, userID); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	state := r.exec.State
	if state != execution.StatePaused && state != execution.StateAwaitingConfirmation {
		r.mu.Unlock()
		return nil, &execution.TransitionError{From: state, To: execution.StateRunning}
	}
	if reason, detail := en.overBudgetLocked(ctx, r.exec); reason != "" {
		hc, ok := en.claimFailureLocked(r)
		r.mu.Unlock()
		if ok {
			en.completeFailure(ctx, r, hc, reason, detail)
		}
		return en.snapshot(r), nil
	}

	if state == execution.StateAwaitingConfirmation {
		r.mu.Unlock()
		return en.decide(ctx, r, userID, true, "approved on resume")
	}

	err = en.transitionLocked(ctx, r, execution.StateRunning)
	if err == nil {
		en.record(ctx, r.exec, audit.CategoryExecution, audit.SeverityInfo, "execution.resume", "resumed by user", nil)
	}
	out := r.exec.Clone()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r.signal()
	return out, nil
}

// Approve confirms the step awaiting confirmation and resumes the loop.
func (en *Engine) Approve(ctx context.Context, id, userID string) (*execution.Execution, error) {
	r, err := en.runnerFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return en.decide(ctx, r, userID, true, "approved")
}

// Reject fails the step awaiting confirmation with reason and fails the
// execution with reason rejected.
func (en *Engine) Reject(ctx context.Context, id, userID, reason string) (*execution.Execution, error) {
	r, err := en.runnerFor(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "rejected by user"
	}
	return en.decide(ctx, r, userID, false, reason)
}

// decide applies a human decision to the awaiting step. The on_approval
// chain runs first; if it blocks an approval, the step stays parked and the
// block is returned.
func (en *Engine) decide(ctx context.Context, r *runner, userID string, approved bool, reason string) (*execution.Execution, error) {
	r.mu.Lock()
	if err := authorize(r.exec, userID); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	s := r.exec.ActiveStep()
	if r.exec.State != execution.StateAwaitingConfirmation || s == nil || s.Status != execution.StepAwaitingConfirmation {
		state := r.exec.State
		r.mu.Unlock()
		return nil, fmt.Errorf("execution is %s, no step awaits confirmation: %w", state, domain.ErrInvalidState)
	}
	seq := s.Sequence
	hc := hookContextFor(r.exec)
	hc.Action = s.Action
	hc.Input = s.Input
	hc.Message = reason
	hc.Metadata = map[string]any{"approved": approved, "confirmed_by": userID, "step": seq}
	r.mu.Unlock()

	res := en.runHooks(ctx, hook.OnApproval, hc)
	if approved && res.Blocked {
		return nil, res.Err()
	}

	r.mu.Lock()
	e := r.exec
	s = e.StepBySequence(seq)
	if e.State != execution.StateAwaitingConfirmation || s == nil || s.Status != execution.StepAwaitingConfirmation {
		r.mu.Unlock()
		return nil, fmt.Errorf("step %d was decided concurrently: %w", seq, domain.ErrConflict)
	}
	s.Confirmation = &execution.Confirmation{
		ConfirmedBy: userID,
		ConfirmedAt: en.now().UTC(),
		Approved:    approved,
		Reason:      reason,
	}
	en.metrics.Confirmation(ctx, approved)

	if !approved {
		en.record(ctx, e, audit.CategorySafety, audit.SeverityWarning, "step.reject",
			fmt.Sprintf("step %d (%s) rejected: %s", seq, s.Action, reason), map[string]any{"step": seq, "confirmed_by": userID})
		fc, ok := en.claimFailureLocked(r)
		r.mu.Unlock()
		if ok {
			en.completeFailure(ctx, r, fc, execution.ReasonRejected, reason)
		}
		return en.snapshot(r), nil
	}

	prev := e.State
	if err := e.Transition(execution.StateRunning); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := en.commitLocked(ctx, r, prev, seq); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	en.record(ctx, e, audit.CategorySafety, audit.SeverityInfo, "step.approve",
		fmt.Sprintf("step %d (%s) approved", seq, s.Action), map[string]any{"step": seq, "confirmed_by": userID})
	out := e.Clone()
	r.mu.Unlock()
	r.signal()
	return out, nil
}

// Stop cancels an execution. With no step in flight the execution fails
// immediately after the on_error chain; otherwise the cancellation is
// applied when the in-flight step finishes.
func (en *Engine) Stop(ctx context.Context, id, userID string) (*execution.Execution, error) {
	r, err := en.runnerFor(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if err := authorize(r.exec, userID); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.exec.IsTerminal() {
		state := r.exec.State
		r.mu.Unlock()
		return nil, &execution.TransitionError{From: state, To: execution.StateFailed}
	}
	if r.inFlight {
		r.cancelReq = true
		out := r.exec.Clone()
		r.mu.Unlock()
		slog.Info("cancellation deferred to step boundary", "execution_id", id)
		return out, nil
	}
	hc, ok := en.claimFailureLocked(r)
	r.mu.Unlock()
	if ok {
		en.completeFailure(ctx, r, hc, execution.ReasonCancelled, "cancelled by user")
	}
	return en.snapshot(r), nil
}

// Rollback restores the execution owning checkpointID to that checkpoint
// and leaves it paused. Running executions must be paused first; complete
// and failed ones are immutable.
func (en *Engine) Rollback(ctx context.Context, checkpointID, userID string) (*execution.Execution, error) {
	if en.checkpoints == nil {
		return nil, fmt.Errorf("checkpoints disabled: %w", domain.ErrInvalidState)
	}
	cp, err := en.checkpoints.Get(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	r, err := en.runnerFor(ctx, cp.ExecutionID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if err := authorize(r.exec, userID); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if err := checkpoint.Rollbackable(r.exec.State); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.inFlight || r.terminating {
		r.mu.Unlock()
		return nil, fmt.Errorf("a step is still in flight: %w", domain.ErrInvalidState)
	}

	prev := r.exec.State
	before := r.exec.Clone()
	if err := en.checkpoints.Restore(ctx, r.exec, cp); err != nil {
		r.exec = before
		r.mu.Unlock()
		return nil, fmt.Errorf("rollback to %s: %w", cp.ID, err)
	}
	r.cancelReq = false
	if err := en.commitLocked(ctx, r, prev, cp.StepNumber); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	e := r.exec
	en.record(ctx, e, audit.CategoryCheckpoint, audit.SeverityWarning, "checkpoint.rollback",
		fmt.Sprintf("rolled back to step %d: %s", cp.StepNumber, cp.Description), map[string]any{
			"checkpoint_id": cp.ID,
			"from_state":    prev,
			"from_steps":    len(before.Steps),
		})
	out := e.Clone()
	r.mu.Unlock()
	r.signal()

	slog.Info("execution rolled back", "execution_id", e.ID, "checkpoint_id", cp.ID, "step", cp.StepNumber)
	return out, nil
}

// CreateCheckpoint takes a manual checkpoint of the execution's current state.
func (en *Engine) CreateCheckpoint(ctx context.Context, id, userID, description string) (*checkpoint.Checkpoint, error) {
	if en.checkpoints == nil {
		return nil, fmt.Errorf("checkpoints disabled: %w", domain.ErrInvalidState)
	}
	e, err := en.GetState(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if description == "" {
		description = fmt.Sprintf("manual checkpoint at step %d", e.CurrentStep)
	}
	return en.checkpointOf(ctx, e, description, false)
}

// ListCheckpoints returns the execution's checkpoints, newest first.
func (en *Engine) ListCheckpoints(ctx context.Context, id, userID string) ([]checkpoint.Checkpoint, error) {
	if _, err := en.GetState(ctx, id, userID); err != nil {
		return nil, err
	}
	if en.checkpoints == nil {
		return []checkpoint.Checkpoint{}, nil
	}
	return en.checkpoints.List(ctx, id)
}

// LatestCheckpoint returns the execution's newest checkpoint.
func (en *Engine) LatestCheckpoint(ctx context.Context, id, userID string) (*checkpoint.Checkpoint, error) {
	if _, err := en.GetState(ctx, id, userID); err != nil {
		return nil, err
	}
	if en.checkpoints == nil {
		return nil, fmt.Errorf("checkpoints disabled: %w", domain.ErrNotFound)
	}
	return en.checkpoints.Latest(ctx, id)
}

// Adopt attaches a runner to a persisted execution so its loop continues in
// this process.
func (en *Engine) Adopt(ctx context.Context, id string) error {
	_, err := en.runnerFor(ctx, id)
	return err
}

// FailRecovered fails a persisted execution that was interrupted by a
// restart, closing its in-flight step.
func (en *Engine) FailRecovered(ctx context.Context, e *execution.Execution) {
	r := newRunner(e)
	r.mu.Lock()
	hc, ok := en.claimFailureLocked(r)
	r.mu.Unlock()
	if ok {
		en.completeFailure(ctx, r, hc, execution.ReasonRecoveredFailed, "interrupted by a restart")
	}
}
