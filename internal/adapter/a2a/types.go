// Package a2a exposes the engine over the Agent-to-Agent protocol: an agent
// card for discovery and a task surface that maps onto executions.
package a2a

// AgentCard describes an agent's capabilities per the A2A protocol.
type AgentCard struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	URL          string  `json:"url"`
	Version      string  `json:"version"`
	Skills       []Skill `json:"skills"`
	Capabilities struct {
		Streaming bool `json:"streaming"`
	} `json:"capabilities"`
}

// Skill describes a single capability of the agent.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	InputModes  []string `json:"inputModes"`
	OutputModes []string `json:"outputModes"`
}

// TaskRequest represents an incoming A2A task request. Skill selects the
// agent type; Input carries "goal" and optionally "agent_id".
type TaskRequest struct {
	ID      string         `json:"id"`
	Skill   string         `json:"skill"`
	Input   map[string]any `json:"input"`             //nolint:gosec // A2A protocol requires flexible input
	Context map[string]any `json:"context,omitempty"` //nolint:gosec // A2A protocol requires flexible context
}

// Task statuses.
const (
	StatusSubmitted     = "submitted"
	StatusWorking       = "working"
	StatusInputRequired = "input-required"
	StatusCompleted     = "completed"
	StatusCanceled      = "canceled"
	StatusFailed        = "failed"
)

// TaskResponse represents an A2A task response. ID is the execution id.
type TaskResponse struct {
	ID       string         `json:"id"`
	ClientID string         `json:"client_id,omitempty"`
	Status   string         `json:"status"`
	Output   map[string]any `json:"output,omitempty"` //nolint:gosec // A2A protocol requires flexible output
	Error    string         `json:"error,omitempty"`
}
