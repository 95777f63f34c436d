// Package hook defines lifecycle interceptors, their matching conditions and
// the results produced when a chain of hooks runs.
package hook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/agentengine/internal/domain"
)

// Lifecycle names the point in an execution at which hooks fire.
type Lifecycle string

const (
	PreExecution  Lifecycle = "pre_execution"
	PostExecution Lifecycle = "post_execution"
	OnFileChange  Lifecycle = "on_file_change"
	OnError       Lifecycle = "on_error"
	OnApproval    Lifecycle = "on_approval"
	OnCheckpoint  Lifecycle = "on_checkpoint"
)

// ActionType determines what a hook does when it fires.
type ActionType string

const (
	ActionValidate  ActionType = "validate"
	ActionTransform ActionType = "transform"
	ActionNotify    ActionType = "notify"
	ActionLog       ActionType = "log"
	ActionExecute   ActionType = "execute"
	ActionGuard     ActionType = "guard"
)

// Blocking reports whether a negative verdict from this action stops the chain.
func (a ActionType) Blocking() bool {
	return a == ActionValidate || a == ActionGuard
}

// Origin distinguishes shipped hooks from user-defined ones.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginUser    Origin = "user"
)

// BuiltinPrefix is the reserved id namespace of shipped hooks.
const BuiltinPrefix = "builtin:"

// ScriptPrefix marks a payload that references a Lua script by name.
const ScriptPrefix = "lua:"

// Hook is a named, typed interceptor.
type Hook struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Lifecycle   Lifecycle  `json:"lifecycle"`
	Action      ActionType `json:"action"`
	Enabled     bool       `json:"enabled"`
	Priority    int        `json:"priority"`
	Condition   *Condition `json:"condition,omitempty"`
	Payload     string     `json:"payload,omitempty"`
	Rule        string     `json:"rule,omitempty"` // policy rule name evaluated by the rule engine
	ProjectID   string     `json:"project_id,omitempty"`
	Origin      Origin     `json:"origin"`
	Seq         int64      `json:"seq"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsBuiltin reports whether the hook lives in the reserved namespace.
func (h *Hook) IsBuiltin() bool {
	return h.Origin == OriginBuiltin || strings.HasPrefix(h.ID, BuiltinPrefix)
}

// ScriptRef returns the script name when the payload references a Lua script.
func (h *Hook) ScriptRef() (string, bool) {
	if !strings.HasPrefix(h.Payload, ScriptPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(h.Payload, ScriptPrefix)), true
}

// AppliesTo reports whether the hook is in scope for the given project.
func (h *Hook) AppliesTo(projectID string) bool {
	return h.ProjectID == "" || h.ProjectID == projectID
}

// CreateRequest holds the fields for registering a user hook.
type CreateRequest struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Lifecycle   Lifecycle  `json:"lifecycle"`
	Action      ActionType `json:"action"`
	Enabled     *bool      `json:"enabled,omitempty"`
	Priority    int        `json:"priority"`
	Condition   *Condition `json:"condition,omitempty"`
	Payload     string     `json:"payload,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
}

// UpdateRequest holds the mutable fields of a hook. Nil fields are unchanged.
type UpdateRequest struct {
	Name        *string    `json:"name,omitempty"`
	Description *string    `json:"description,omitempty"`
	Enabled     *bool      `json:"enabled,omitempty"`
	Priority    *int       `json:"priority,omitempty"`
	Condition   *Condition `json:"condition,omitempty"`
	Payload     *string    `json:"payload,omitempty"`
}

// OnlyToggles reports whether the request touches nothing but the enabled flag.
func (r *UpdateRequest) OnlyToggles() bool {
	return r.Name == nil && r.Description == nil && r.Priority == nil && r.Condition == nil && r.Payload == nil
}

// Apply merges the request into h.
func (r *UpdateRequest) Apply(h *Hook) {
	if r.Name != nil {
		h.Name = *r.Name
	}
	if r.Description != nil {
		h.Description = *r.Description
	}
	if r.Enabled != nil {
		h.Enabled = *r.Enabled
	}
	if r.Priority != nil {
		h.Priority = *r.Priority
	}
	if r.Condition != nil {
		h.Condition = r.Condition
	}
	if r.Payload != nil {
		h.Payload = *r.Payload
	}
}

// Context is the event data handed to a hook chain.
type Context struct {
	ExecutionID string           `json:"execution_id,omitempty"`
	UserID      string           `json:"user_id,omitempty"`
	ProjectID   string           `json:"project_id,omitempty"`
	AgentType   string           `json:"agent_type,omitempty"`
	Lifecycle   Lifecycle        `json:"lifecycle,omitempty"`
	Message     string           `json:"message,omitempty"`
	Action      string           `json:"action,omitempty"`
	Input       json.RawMessage  `json:"input,omitempty"`
	Files       []string         `json:"files,omitempty"`
	FileSizes   map[string]int64 `json:"file_sizes,omitempty"`
	Confidence  *float64         `json:"confidence,omitempty"`
	Error       string           `json:"error,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// Result is the ephemeral outcome of one hook invocation.
type Result struct {
	HookID      string     `json:"hook_id"`
	Name        string     `json:"name"`
	Action      ActionType `json:"action"`
	Skipped     bool       `json:"skipped"`
	Success     bool       `json:"success"`
	Blocked     bool       `json:"blocked"`
	Reason      string     `json:"reason,omitempty"`
	Transformed string     `json:"transformed,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMS  int64      `json:"duration_ms"`
}

// PipelineResult is the outcome of running one lifecycle chain.
type PipelineResult struct {
	Lifecycle     Lifecycle `json:"lifecycle"`
	Results       []Result  `json:"results"`
	Blocked       bool      `json:"blocked"`
	BlockedBy     string    `json:"blocked_by,omitempty"`
	BlockedReason string    `json:"blocked_reason,omitempty"`
	Payload       string    `json:"payload,omitempty"`
}

// Err returns a BlockedError when the chain blocked, nil otherwise.
func (p *PipelineResult) Err() error {
	if !p.Blocked {
		return nil
	}
	return &BlockedError{HookID: p.BlockedBy, Reason: p.BlockedReason}
}

// BlockedError carries the hook that blocked a chain and its reason.
type BlockedError struct {
	HookID string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by hook %s: %s", e.HookID, e.Reason)
}

// Unwrap lets errors.Is match domain.ErrHookBlocked.
func (e *BlockedError) Unwrap() error { return domain.ErrHookBlocked }
