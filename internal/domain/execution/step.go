package execution

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"
)

// StepStatus is the status of a single step in the ledger.
type StepStatus string

const (
	StepPending              StepStatus = "pending"
	StepRunning              StepStatus = "running"
	StepAwaitingConfirmation StepStatus = "awaiting_confirmation"
	StepComplete             StepStatus = "complete"
	StepFailed               StepStatus = "failed"
	StepSkipped              StepStatus = "skipped"
)

// Finished reports whether the step has reached a final status.
func (s StepStatus) Finished() bool {
	return s == StepComplete || s == StepFailed || s == StepSkipped
}

// Active reports whether the step currently holds the execution's cursor.
func (s StepStatus) Active() bool {
	return s == StepRunning || s == StepAwaitingConfirmation
}

// Confirmation records who confirmed a sensitive step and when.
type Confirmation struct {
	ConfirmedBy string    `json:"confirmed_by"`
	ConfirmedAt time.Time `json:"confirmed_at"`
	Approved    bool      `json:"approved"`
	Reason      string    `json:"reason,omitempty"`
}

// FileChange is one reversible file modification: the path, its content
// before the action ran, and what the action did to it.
type FileChange struct {
	Path         string `json:"path"`
	PriorContent []byte `json:"prior_content,omitempty"`
	Existed      bool   `json:"existed"`
	Action       string `json:"action"` // "create" | "modify" | "delete" | "snapshot"
	Size         int64  `json:"size,omitempty"`
}

// DBChange is one reversible database change recorded by an action.
type DBChange struct {
	Table     string         `json:"table"`
	Operation string         `json:"operation"` // "insert" | "update" | "delete"
	KeyColumn string         `json:"key_column"`
	Key       any            `json:"key"`
	Before    map[string]any `json:"before,omitempty"`
}

// Changes is the reversal journal of a single step.
type Changes struct {
	Files []FileChange `json:"files,omitempty"`
	DB    []DBChange   `json:"db,omitempty"`
}

// Empty reports whether no changes were recorded.
func (c *Changes) Empty() bool {
	return c == nil || (len(c.Files) == 0 && len(c.DB) == 0)
}

// Step is one unit of agent work within an execution.
type Step struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	Sequence     int             `json:"sequence"`
	Action       string          `json:"action"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Status       StepStatus      `json:"status"`
	Error        string          `json:"error,omitempty"`
	Sensitive    bool            `json:"sensitive,omitempty"`
	Risky        bool            `json:"risky,omitempty"`
	Confidence   *float64        `json:"confidence,omitempty"`
	DurationMS   int64           `json:"duration_ms"`
	Confirmation *Confirmation   `json:"confirmation,omitempty"`
	Changes      *Changes        `json:"changes,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the step.
func (s *Step) Clone() Step {
	c := *s
	if s.Input != nil {
		c.Input = append(json.RawMessage(nil), s.Input...)
	}
	if s.Output != nil {
		c.Output = append(json.RawMessage(nil), s.Output...)
	}
	if s.Confidence != nil {
		v := *s.Confidence
		c.Confidence = &v
	}
	if s.Confirmation != nil {
		conf := *s.Confirmation
		c.Confirmation = &conf
	}
	if s.Changes != nil {
		ch := Changes{
			Files: append([]FileChange(nil), s.Changes.Files...),
			DB:    append([]DBChange(nil), s.Changes.DB...),
		}
		for i := range ch.Files {
			if ch.Files[i].PriorContent != nil {
				ch.Files[i].PriorContent = bytes.Clone(ch.Files[i].PriorContent)
			}
		}
		for i := range ch.DB {
			ch.DB[i].Before = maps.Clone(ch.DB[i].Before)
		}
		c.Changes = &ch
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// CompactJSON returns raw in the form encoding/json writes it back, so a
// document survives persistence and checkpoint round trips byte for byte.
// Invalid JSON is returned unchanged for validation to reject.
func CompactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return raw
	}
	return out
}

// CommandText returns the command string carried in the step input, if any.
// Actions that shell out carry it under "command".
func CommandText(input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var v struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return ""
	}
	return v.Command
}
