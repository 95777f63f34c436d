package execution

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Strob0t/agentengine/internal/domain"
)

// ActiveStep returns the step holding the cursor (running or awaiting
// confirmation), or nil.
func (e *Execution) ActiveStep() *Step {
	for i := range e.Steps {
		if e.Steps[i].Status.Active() {
			return &e.Steps[i]
		}
	}
	return nil
}

// LastStep returns the most recently appended step, or nil.
func (e *Execution) LastStep() *Step {
	if len(e.Steps) == 0 {
		return nil
	}
	return &e.Steps[len(e.Steps)-1]
}

// StepBySequence returns the step with the given sequence number, or nil.
func (e *Execution) StepBySequence(seq int) *Step {
	if seq < 1 || seq > len(e.Steps) {
		return nil
	}
	return &e.Steps[seq-1]
}

// AppendStep adds a new pending step to the ledger. Only one step may hold
// the cursor at a time, so appending while another is active fails.
func (e *Execution) AppendStep(id, action string, input json.RawMessage, now time.Time) (*Step, error) {
	if active := e.ActiveStep(); active != nil {
		return nil, fmt.Errorf("step %d still %s: %w", active.Sequence, active.Status, domain.ErrInvalidState)
	}
	if last := e.LastStep(); last != nil && last.Status == StepPending {
		return nil, fmt.Errorf("step %d still pending: %w", last.Sequence, domain.ErrInvalidState)
	}
	e.Steps = append(e.Steps, Step{
		ID:          id,
		ExecutionID: e.ID,
		Sequence:    len(e.Steps) + 1,
		Action:      action,
		Input:       CompactJSON(input),
		Status:      StepPending,
		CreatedAt:   now,
	})
	return &e.Steps[len(e.Steps)-1], nil
}

// BeginStep moves a pending or approved step to running and advances the cursor.
func (e *Execution) BeginStep(seq int, now time.Time) error {
	s := e.StepBySequence(seq)
	if s == nil {
		return fmt.Errorf("step %d: %w", seq, domain.ErrNotFound)
	}
	if s.Status != StepPending && s.Status != StepAwaitingConfirmation {
		return fmt.Errorf("step %d is %s: %w", seq, s.Status, domain.ErrInvalidState)
	}
	s.Status = StepRunning
	s.StartedAt = &now
	e.CurrentStep = seq
	return nil
}

// AwaitConfirmation parks a pending step until a human decides on it.
func (e *Execution) AwaitConfirmation(seq int) error {
	s := e.StepBySequence(seq)
	if s == nil {
		return fmt.Errorf("step %d: %w", seq, domain.ErrNotFound)
	}
	if s.Status != StepPending {
		return fmt.Errorf("step %d is %s: %w", seq, s.Status, domain.ErrInvalidState)
	}
	s.Status = StepAwaitingConfirmation
	e.CurrentStep = seq
	return nil
}

// FinishStep records the final status, output and duration of a step.
func (e *Execution) FinishStep(seq int, status StepStatus, output json.RawMessage, errMsg string, now time.Time) error {
	if !status.Finished() {
		return fmt.Errorf("status %s is not final: %w", status, domain.ErrValidation)
	}
	s := e.StepBySequence(seq)
	if s == nil {
		return fmt.Errorf("step %d: %w", seq, domain.ErrNotFound)
	}
	if s.Status.Finished() {
		return fmt.Errorf("step %d already %s: %w", seq, s.Status, domain.ErrInvalidState)
	}
	s.Status = status
	s.Output = CompactJSON(output)
	s.Error = errMsg
	s.FinishedAt = &now
	if s.StartedAt != nil {
		s.DurationMS = now.Sub(*s.StartedAt).Milliseconds()
	}
	if e.CurrentStep < seq {
		e.CurrentStep = seq
	}
	return nil
}

// CheckInvariants verifies the step cursor invariants: sequences are
// contiguous from 1, at most one step is active, and currentStep equals the
// number of finished steps plus the active one.
func (e *Execution) CheckInvariants() error {
	finished, active := 0, 0
	for i := range e.Steps {
		s := &e.Steps[i]
		if s.Sequence != i+1 {
			return fmt.Errorf("step at index %d has sequence %d: %w", i, s.Sequence, domain.ErrInvalidState)
		}
		switch {
		case s.Status.Finished():
			finished++
		case s.Status.Active():
			active++
		}
	}
	if active > 1 {
		return fmt.Errorf("%d active steps: %w", active, domain.ErrInvalidState)
	}
	if e.CurrentStep > len(e.Steps) {
		return fmt.Errorf("current step %d exceeds %d steps: %w", e.CurrentStep, len(e.Steps), domain.ErrInvalidState)
	}
	if e.CurrentStep != finished+active {
		return fmt.Errorf("current step %d, expected %d: %w", e.CurrentStep, finished+active, domain.ErrInvalidState)
	}
	return nil
}
