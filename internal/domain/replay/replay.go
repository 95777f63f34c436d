// Package replay reconstructs human-readable timelines of past executions
// and compares two executions step by step.
package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/execution"
)

// EventKind labels a timeline entry.
type EventKind string

const (
	EventExecutionStarted   EventKind = "execution_started"
	EventExecutionCompleted EventKind = "execution_completed"
	EventExecutionFailed    EventKind = "execution_failed"
	EventStepStarted        EventKind = "step_started"
	EventStepCompleted      EventKind = "step_completed"
	EventStepFailed         EventKind = "step_failed"
	EventStepSkipped        EventKind = "step_skipped"
	EventConfirmationAsked  EventKind = "confirmation_requested"
	EventConfirmed          EventKind = "confirmed"
	EventRejected           EventKind = "rejected"
	EventLog                EventKind = "log"
)

// Event is one entry of a timeline.
type Event struct {
	At       time.Time      `json:"at"`
	Kind     EventKind      `json:"kind"`
	Step     int            `json:"step,omitempty"`
	Action   string         `json:"action,omitempty"`
	Summary  string         `json:"summary"`
	Severity audit.Severity `json:"severity,omitempty"`
	order    int
}

// Stats summarises an execution.
type Stats struct {
	TotalSteps      int                          `json:"total_steps"`
	ByStatus        map[execution.StepStatus]int `json:"by_status"`
	TotalDurationMS int64                        `json:"total_duration_ms"`
	AvgDurationMS   float64                      `json:"avg_duration_ms"`
	ErrorCount      int                          `json:"error_count"`
	Confirmations   int                          `json:"confirmations"`
	TokensUsed      int64                        `json:"tokens_used"`
	CostUSD         float64                      `json:"cost_usd"`
}

// Timeline is the reconstructed history of one execution.
type Timeline struct {
	ExecutionID   string                  `json:"execution_id"`
	Goal          string                  `json:"goal"`
	State         execution.State         `json:"state"`
	FailureReason execution.FailureReason `json:"failure_reason,omitempty"`
	Events        []Event                 `json:"events"`
	Stats         Stats                   `json:"stats"`
}

// BuildTimeline orders the lifecycle events implied by the step ledger and
// the execution's audit entries chronologically.
func BuildTimeline(e *execution.Execution, logs []audit.Entry) Timeline {
	var events []Event
	n := 0
	add := func(ev Event) {
		ev.order = n
		n++
		events = append(events, ev)
	}

	add(Event{At: e.CreatedAt, Kind: EventExecutionStarted, Summary: fmt.Sprintf("started: %s", e.Goal)})

	for i := range e.Steps {
		s := &e.Steps[i]
		started := s.CreatedAt
		if s.StartedAt != nil {
			started = *s.StartedAt
		}
		if s.Sensitive {
			add(Event{At: s.CreatedAt, Kind: EventConfirmationAsked, Step: s.Sequence, Action: s.Action,
				Summary: fmt.Sprintf("step %d %s requires confirmation", s.Sequence, s.Action)})
		}
		if c := s.Confirmation; c != nil {
			kind, verb := EventConfirmed, "approved"
			if !c.Approved {
				kind, verb = EventRejected, "rejected"
			}
			summary := fmt.Sprintf("step %d %s by %s", s.Sequence, verb, c.ConfirmedBy)
			if c.Reason != "" {
				summary += ": " + c.Reason
			}
			add(Event{At: c.ConfirmedAt, Kind: kind, Step: s.Sequence, Action: s.Action, Summary: summary})
		}
		if s.StartedAt != nil {
			add(Event{At: started, Kind: EventStepStarted, Step: s.Sequence, Action: s.Action,
				Summary: fmt.Sprintf("step %d %s started", s.Sequence, s.Action)})
		}
		if s.FinishedAt == nil {
			continue
		}
		switch s.Status {
		case execution.StepComplete:
			add(Event{At: *s.FinishedAt, Kind: EventStepCompleted, Step: s.Sequence, Action: s.Action,
				Summary: fmt.Sprintf("step %d %s completed in %dms", s.Sequence, s.Action, s.DurationMS)})
		case execution.StepFailed:
			add(Event{At: *s.FinishedAt, Kind: EventStepFailed, Step: s.Sequence, Action: s.Action,
				Summary: fmt.Sprintf("step %d %s failed: %s", s.Sequence, s.Action, s.Error), Severity: audit.SeverityError})
		case execution.StepSkipped:
			add(Event{At: *s.FinishedAt, Kind: EventStepSkipped, Step: s.Sequence, Action: s.Action,
				Summary: fmt.Sprintf("step %d %s skipped", s.Sequence, s.Action)})
		}
	}

	for i := range logs {
		l := &logs[i]
		summary := l.Action
		if l.Message != "" {
			summary += ": " + l.Message
		}
		add(Event{At: l.CreatedAt, Kind: EventLog, Action: l.Action, Summary: summary, Severity: l.Severity})
	}

	if e.CompletedAt != nil {
		switch e.State {
		case execution.StateComplete:
			add(Event{At: *e.CompletedAt, Kind: EventExecutionCompleted, Summary: "completed"})
		case execution.StateFailed:
			summary := fmt.Sprintf("failed: %s", e.FailureReason)
			if e.FailureDetail != "" {
				summary += " (" + e.FailureDetail + ")"
			}
			add(Event{At: *e.CompletedAt, Kind: EventExecutionFailed, Summary: summary, Severity: audit.SeverityError})
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].At.Equal(events[j].At) {
			return events[i].At.Before(events[j].At)
		}
		return events[i].order < events[j].order
	})

	return Timeline{
		ExecutionID:   e.ID,
		Goal:          e.Goal,
		State:         e.State,
		FailureReason: e.FailureReason,
		Events:        events,
		Stats:         ComputeStats(e, logs),
	}
}

// ComputeStats aggregates step counts, durations and error figures.
func ComputeStats(e *execution.Execution, logs []audit.Entry) Stats {
	st := Stats{
		TotalSteps: len(e.Steps),
		ByStatus:   make(map[execution.StepStatus]int),
		TokensUsed: e.TokensIn + e.TokensOut,
		CostUSD:    e.CostUSD,
	}
	timed := 0
	failed := make(map[int]bool)
	for i := range e.Steps {
		s := &e.Steps[i]
		st.ByStatus[s.Status]++
		if s.Status == execution.StepFailed {
			st.ErrorCount++
			failed[s.Sequence] = true
		}
		if s.Confirmation != nil {
			st.Confirmations++
		}
		if s.FinishedAt != nil {
			st.TotalDurationMS += s.DurationMS
			timed++
		}
	}
	if timed > 0 {
		st.AvgDurationMS = float64(st.TotalDurationMS) / float64(timed)
	}
	for i := range logs {
		l := &logs[i]
		if !l.IsError() {
			continue
		}
		// The tool call entry of a failed step is already counted above.
		if l.Category == audit.CategoryToolCall && failed[stepOf(l)] {
			continue
		}
		st.ErrorCount++
	}
	return st
}

func stepOf(l *audit.Entry) int {
	var d struct {
		Step int `json:"step"`
	}
	if len(l.Details) == 0 || json.Unmarshal(l.Details, &d) != nil {
		return 0
	}
	return d.Step
}

// ChangeKind classifies a step difference.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeRemoved  ChangeKind = "removed"
	ChangeModified ChangeKind = "modified"
)

// Difference describes one step that differs between two executions.
type Difference struct {
	Kind       ChangeKind      `json:"kind"`
	Action     string          `json:"action"`
	Occurrence int             `json:"occurrence"`
	LeftStep   int             `json:"left_step,omitempty"`
	RightStep  int             `json:"right_step,omitempty"`
	LeftInput  json.RawMessage `json:"left_input,omitempty"`
	RightInput json.RawMessage `json:"right_input,omitempty"`
}

// Comparison is the diff of two executions.
type Comparison struct {
	LeftID      string       `json:"left_id"`
	RightID     string       `json:"right_id"`
	Differences []Difference `json:"differences"`
	Unchanged   int          `json:"unchanged"`
	LeftStats   Stats        `json:"left_stats"`
	RightStats  Stats        `json:"right_stats"`
}

// Compare matches steps by action name in order of occurrence: the nth
// step named X on the left pairs with the nth step named X on the right.
func Compare(left, right *execution.Execution) Comparison {
	c := Comparison{
		LeftID:      left.ID,
		RightID:     right.ID,
		Differences: []Difference{},
		LeftStats:   ComputeStats(left, nil),
		RightStats:  ComputeStats(right, nil),
	}

	rightByAction := make(map[string][]*execution.Step)
	for i := range right.Steps {
		s := &right.Steps[i]
		rightByAction[s.Action] = append(rightByAction[s.Action], s)
	}
	used := make(map[string]int)

	for i := range left.Steps {
		l := &left.Steps[i]
		occ := used[l.Action]
		used[l.Action] = occ + 1
		candidates := rightByAction[l.Action]
		if occ >= len(candidates) {
			c.Differences = append(c.Differences, Difference{
				Kind: ChangeRemoved, Action: l.Action, Occurrence: occ + 1,
				LeftStep: l.Sequence, LeftInput: l.Input,
			})
			continue
		}
		r := candidates[occ]
		if !sameJSON(l.Input, r.Input) {
			c.Differences = append(c.Differences, Difference{
				Kind: ChangeModified, Action: l.Action, Occurrence: occ + 1,
				LeftStep: l.Sequence, RightStep: r.Sequence,
				LeftInput: l.Input, RightInput: r.Input,
			})
			continue
		}
		c.Unchanged++
	}

	seen := make(map[string]int)
	for i := range right.Steps {
		r := &right.Steps[i]
		occ := seen[r.Action]
		seen[r.Action] = occ + 1
		if occ >= used[r.Action] {
			c.Differences = append(c.Differences, Difference{
				Kind: ChangeAdded, Action: r.Action, Occurrence: occ + 1,
				RightStep: r.Sequence, RightInput: r.Input,
			})
		}
	}
	return c
}

// sameJSON compares two JSON documents semantically, falling back to bytes.
func sameJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ca, _ := json.Marshal(va)
	cb, _ := json.Marshal(vb)
	return bytes.Equal(ca, cb)
}
