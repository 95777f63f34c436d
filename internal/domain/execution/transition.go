package execution

import (
	"fmt"
	"time"

	"github.com/Strob0t/agentengine/internal/domain"
)

// transitions is the complete set of allowed edges. Any edge not listed is
// rejected with ErrInvalidTransition.
var transitions = map[State]map[State]bool{
	StateIdle: {
		StateRunning: true,
	},
	StateRunning: {
		StatePaused:               true,
		StateAwaitingConfirmation: true,
		StateComplete:             true,
		StateFailed:               true,
	},
	StatePaused: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateAwaitingConfirmation: {
		StateRunning: true,
		StateFailed:  true,
	},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// TransitionError describes a rejected state change.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}

// Unwrap lets errors.Is match domain.ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return domain.ErrInvalidTransition }

// Transition moves the execution to state to. The execution is left
// untouched when the edge is not allowed.
func (e *Execution) Transition(to State) error {
	if !CanTransition(e.State, to) {
		return &TransitionError{From: e.State, To: to}
	}
	e.State = to
	now := time.Now().UTC()
	e.UpdatedAt = now
	if e.IsTerminal() {
		e.CompletedAt = &now
	}
	return nil
}

// Fail transitions to failed and records the terminal reason.
func (e *Execution) Fail(reason FailureReason, detail string) error {
	if err := e.Transition(StateFailed); err != nil {
		return err
	}
	e.FailureReason = reason
	e.FailureDetail = detail
	return nil
}
