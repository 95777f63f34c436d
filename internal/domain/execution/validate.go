package execution

import (
	"encoding/json"
	"fmt"

	"github.com/Strob0t/agentengine/internal/domain"
)

// validAgentTypes enumerates the agent roles the engine accepts.
var validAgentTypes = map[AgentType]bool{
	AgentPlanner:    true,
	AgentCoder:      true,
	AgentTester:     true,
	AgentOps:        true,
	AgentResearcher: true,
}

// validStates enumerates all lifecycle states.
var validStates = map[State]bool{
	StateIdle:                 true,
	StateRunning:              true,
	StatePaused:               true,
	StateAwaitingConfirmation: true,
	StateComplete:             true,
	StateFailed:               true,
}

// ValidState reports whether s names a known lifecycle state.
func ValidState(s State) bool { return validStates[s] }

// Validate checks that a StartRequest has all required fields.
func (r *StartRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required: %w", domain.ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if r.Goal == "" {
		return fmt.Errorf("goal is required: %w", domain.ErrValidation)
	}
	if r.AgentType != "" && !validAgentTypes[r.AgentType] {
		return fmt.Errorf("invalid agent_type %q: %w", r.AgentType, domain.ErrValidation)
	}
	if r.BudgetLimit < 0 {
		return fmt.Errorf("budget_limit must be non-negative: %w", domain.ErrValidation)
	}
	if r.MaxSteps < 0 {
		return fmt.Errorf("max_steps must be non-negative: %w", domain.ErrValidation)
	}
	if len(r.Context) > 0 && !json.Valid(r.Context) {
		return fmt.Errorf("context must be valid JSON: %w", domain.ErrValidation)
	}
	return nil
}

// Validate checks that an Execution has all required fields and valid values.
func (e *Execution) Validate() error {
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if e.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if e.Goal == "" {
		return fmt.Errorf("goal is required")
	}
	if !validStates[e.State] {
		return fmt.Errorf("invalid state %q", e.State)
	}
	if e.AgentType != "" && !validAgentTypes[e.AgentType] {
		return fmt.Errorf("invalid agent_type %q", e.AgentType)
	}
	if e.CostUSD < 0 {
		return fmt.Errorf("cost_usd must be non-negative")
	}
	return e.CheckInvariants()
}
