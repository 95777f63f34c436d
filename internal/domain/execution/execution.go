// Package execution defines the Execution and Step entities driven by the
// agent execution engine, together with the state transition table.
package execution

import (
	"encoding/json"
	"math"
	"time"
)

// State is the lifecycle state of an execution.
type State string

const (
	StateIdle                 State = "idle"
	StateRunning              State = "running"
	StatePaused               State = "paused"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateComplete             State = "complete"
	StateFailed               State = "failed"
)

// FailureReason is the terminal reason code recorded when an execution fails.
type FailureReason string

const (
	ReasonBudgetExceeded   FailureReason = "budget_exceeded"
	ReasonMaxSteps         FailureReason = "max_steps_exceeded"
	ReasonCancelled        FailureReason = "cancelled"
	ReasonRejected         FailureReason = "rejected"
	ReasonHookBlocked      FailureReason = "hook_blocked"
	ReasonOracleFailure    FailureReason = "oracle_failure"
	ReasonCheckpointFailed FailureReason = "checkpoint_failed"
	ReasonRecoveredFailed  FailureReason = "recovered_failed"
)

// AgentType names the role of the agent driving an execution.
type AgentType string

const (
	AgentPlanner    AgentType = "planner"
	AgentCoder      AgentType = "coder"
	AgentTester     AgentType = "tester"
	AgentOps        AgentType = "ops"
	AgentResearcher AgentType = "researcher"
)

// Execution is one run of an agent toward a goal.
type Execution struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	AgentID       string          `json:"agent_id"`
	AgentType     AgentType       `json:"agent_type"`
	ProjectID     string          `json:"project_id,omitempty"`
	Goal          string          `json:"goal"`
	State         State           `json:"state"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	FailureDetail string          `json:"failure_detail,omitempty"`
	CurrentStep   int             `json:"current_step"`
	Steps         []Step          `json:"steps"`
	Context       json.RawMessage `json:"context,omitempty"`
	ModifiedFiles []string        `json:"modified_files,omitempty"`
	TokensIn      int64           `json:"tokens_in"`
	TokensOut     int64           `json:"tokens_out"`
	CostUSD       float64         `json:"cost_usd"`
	BudgetLimit   float64         `json:"budget_limit,omitempty"` // USD; 0 means no per-execution ceiling
	MaxSteps      int             `json:"max_steps"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// StartRequest holds the fields needed to start a new execution.
type StartRequest struct {
	AgentID     string          `json:"agent_id"`
	AgentType   AgentType       `json:"agent_type,omitempty"`
	UserID      string          `json:"-"`
	ProjectID   string          `json:"project_id,omitempty"`
	Goal        string          `json:"goal"`
	Context     json.RawMessage `json:"context,omitempty"`
	BudgetLimit float64         `json:"budget_limit,omitempty"`
	MaxSteps    int             `json:"max_steps,omitempty"`
}

// View is the observation shape returned by getState.
type View struct {
	ID            string        `json:"id"`
	Status        State         `json:"status"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	FailureDetail string        `json:"failure_detail,omitempty"`
	CurrentStep   int           `json:"current_step"`
	Steps         []Step        `json:"steps"`
	TokensUsed    int64         `json:"tokens_used"`
	CostIncurred  float64       `json:"cost_incurred"`
	BudgetLimit   float64       `json:"budget_limit"`
	Goal          string        `json:"goal"`
}

// View projects the execution into its observation shape.
func (e *Execution) View() View {
	steps := e.Steps
	if steps == nil {
		steps = []Step{}
	}
	return View{
		ID:            e.ID,
		Status:        e.State,
		FailureReason: e.FailureReason,
		FailureDetail: e.FailureDetail,
		CurrentStep:   e.CurrentStep,
		Steps:         steps,
		TokensUsed:    e.TokensIn + e.TokensOut,
		CostIncurred:  e.CostUSD,
		BudgetLimit:   e.BudgetLimit,
		Goal:          e.Goal,
	}
}

// IsTerminal reports whether the execution accepts no further transitions.
func (e *Execution) IsTerminal() bool {
	return e.State == StateComplete || e.State == StateFailed
}

// Clone returns a deep copy that shares no slices with e.
func (e *Execution) Clone() *Execution {
	c := *e
	c.Steps = make([]Step, len(e.Steps))
	for i := range e.Steps {
		c.Steps[i] = e.Steps[i].Clone()
	}
	if e.Context != nil {
		c.Context = append(json.RawMessage(nil), e.Context...)
	}
	if e.ModifiedFiles != nil {
		c.ModifiedFiles = append([]string(nil), e.ModifiedFiles...)
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// AddUsage accumulates token and cost usage for one oracle or action call.
// Cost is kept to micro-dollar precision.
func (e *Execution) AddUsage(tokensIn, tokensOut int64, cost float64) {
	e.TokensIn += tokensIn
	e.TokensOut += tokensOut
	e.CostUSD = math.Round((e.CostUSD+cost)*1e6) / 1e6
}

// TrackFile records path in the modified-file list if not already present.
func (e *Execution) TrackFile(path string) {
	for _, p := range e.ModifiedFiles {
		if p == path {
			return
		}
	}
	e.ModifiedFiles = append(e.ModifiedFiles, path)
}
