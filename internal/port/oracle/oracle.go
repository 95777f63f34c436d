// Package oracle defines the language-model collaborators of the engine:
// the planner that proposes the next action, the judge that decides on
// guard and validate hooks, and the rewriter used by transform hooks.
package oracle

import (
	"context"
	"encoding/json"

	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
)

// PlanRequest is the input to a planning call.
type PlanRequest struct {
	ExecutionID string           `json:"execution_id"`
	Goal        string           `json:"goal"`
	AgentType   string           `json:"agent_type"`
	History     []execution.Step `json:"history"`
	Context     json.RawMessage  `json:"context,omitempty"`
}

// Plan is the planner's proposal. Done signals that the goal is reached.
type Plan struct {
	Done       bool            `json:"done"`
	Action     string          `json:"action,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"` // nil when not reported
	Reason     string          `json:"reason,omitempty"`
	TokensIn   int64           `json:"-"`
	TokensOut  int64           `json:"-"`
}

// Planner proposes the next action for an execution.
type Planner interface {
	Next(ctx context.Context, req PlanRequest) (Plan, error)
}

// JudgeRequest asks for a verdict on a hook context. Rule names a built-in
// policy rule; Prompt carries the rendered template of a user hook.
type JudgeRequest struct {
	Rule    string        `json:"rule,omitempty"`
	Prompt  string        `json:"prompt,omitempty"`
	Message string        `json:"message"`
	Context *hook.Context `json:"context,omitempty"`
}

// Verdict is the outcome of a judgment.
type Verdict struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	TokensIn  int64  `json:"-"`
	TokensOut int64  `json:"-"`
}

// Judge evaluates guard and validate hooks.
type Judge interface {
	Judge(ctx context.Context, req JudgeRequest) (Verdict, error)
}

// Rewriter produces a rewritten payload for transform and execute hooks.
type Rewriter interface {
	Rewrite(ctx context.Context, prompt, payload string) (string, error)
}
