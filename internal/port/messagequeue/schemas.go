package messagequeue

import (
	"encoding/json"

	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
)

// ExecutionEventPayload is the schema for executions.events.{id} messages.
type ExecutionEventPayload struct {
	Type        string          `json:"type"`
	ExecutionID string          `json:"execution_id"`
	State       string          `json:"state,omitempty"`
	Step        json.RawMessage `json:"step,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	At          string          `json:"at"`
}

// ActionRequestPayload is the schema for actions.request.{agentType} messages.
type ActionRequestPayload struct {
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Sequence    int             `json:"sequence"`
	ProjectID   string          `json:"project_id,omitempty"`
	AgentType   string          `json:"agent_type"`
	Action      string          `json:"action"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// ActionResultPayload is the schema for actions.result messages.
type ActionResultPayload struct {
	ExecutionID string                    `json:"execution_id"`
	StepID      string                    `json:"step_id"`
	Status      string                    `json:"status"` // "complete" | "failed"
	Output      json.RawMessage           `json:"output,omitempty"`
	Error       string                    `json:"error,omitempty"`
	Files       []checkpoint.FileSnapshot `json:"files,omitempty"`
	DB          []checkpoint.DBChange     `json:"db,omitempty"`
	TokensIn    int64                     `json:"tokens_in"`
	TokensOut   int64                     `json:"tokens_out"`
}

// NotificationPayload is the schema for executions.notify messages.
type NotificationPayload struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Level       string `json:"level"`
	Source      string `json:"source"`
	ExecutionID string `json:"execution_id,omitempty"`
}
