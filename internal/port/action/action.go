// Package action defines the port through which the engine executes the
// actions proposed by the planner.
package action

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
)

// Request describes one step to execute.
type Request struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Sequence    int             `json:"sequence"`
	ProjectID   string          `json:"project_id,omitempty"`
	AgentType   string          `json:"agent_type"`
	Action      string          `json:"action"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// Outcome is what an executed action reports back. Files carry the prior
// content of every file the action touched so the step can be reversed.
type Outcome struct {
	Output    json.RawMessage           `json:"output,omitempty"`
	Files     []checkpoint.FileSnapshot `json:"files,omitempty"`
	DB        []checkpoint.DBChange     `json:"db,omitempty"`
	TokensIn  int64                     `json:"tokens_in"`
	TokensOut int64                     `json:"tokens_out"`
}

// Executor runs a single action. A returned error marks the step failed.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}
