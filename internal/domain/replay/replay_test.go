package replay_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/replay"
)

func at(sec int) *time.Time {
	t := time.Date(2026, 5, 1, 12, 0, sec, 0, time.UTC)
	return &t
}

func finishedExecution() *execution.Execution {
	return &execution.Execution{
		ID:            "e1",
		Goal:          "add a health-check endpoint",
		State:         execution.StateFailed,
		CreatedAt:     *at(0),
		CompletedAt:   at(30),
		FailureReason: execution.ReasonRejected,
		TokensIn:      100,
		TokensOut:     50,
		Steps: []execution.Step{
			{Sequence: 1, Action: "read_file", Status: execution.StepComplete, CreatedAt: *at(1), StartedAt: at(1), FinishedAt: at(3), DurationMS: 2000},
			{Sequence: 2, Action: "write_file", Status: execution.StepComplete, CreatedAt: *at(4), StartedAt: at(4), FinishedAt: at(8), DurationMS: 4000},
			{Sequence: 3, Action: "run_command", Status: execution.StepFailed, Sensitive: true, CreatedAt: *at(9), FinishedAt: at(20), Error: "not allowed",
				Confirmation: &execution.Confirmation{ConfirmedBy: "u1", ConfirmedAt: *at(20), Approved: false, Reason: "not allowed"}},
		},
	}
}

func TestBuildTimelineOrder(t *testing.T) {
	e := finishedExecution()
	logs := []audit.Entry{{Action: "hook.blocked", Severity: audit.SeverityError, CreatedAt: *at(2)}}
	tl := replay.BuildTimeline(e, logs)

	wantKinds := []replay.EventKind{
		replay.EventExecutionStarted,
		replay.EventStepStarted,
		replay.EventLog,
		replay.EventStepCompleted,
		replay.EventStepStarted,
		replay.EventStepCompleted,
		replay.EventConfirmationAsked,
		replay.EventRejected,
		replay.EventStepFailed,
		replay.EventExecutionFailed,
	}
	if len(tl.Events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d: %+v", len(wantKinds), len(tl.Events), tl.Events)
	}
	for i, k := range wantKinds {
		if tl.Events[i].Kind != k {
			t.Errorf("event %d: expected %s, got %s", i, k, tl.Events[i].Kind)
		}
	}
}

func TestComputeStatsCountsFailedStepOnce(t *testing.T) {
	e := finishedExecution()
	logs := []audit.Entry{
		{Action: "run_command", Category: audit.CategoryToolCall, Severity: audit.SeverityError, Details: json.RawMessage(`{"step":3,"status":"failed"}`)},
		{Action: "write_file", Category: audit.CategoryToolCall, Severity: audit.SeverityError, Details: json.RawMessage(`{"step":2}`)},
		{Action: "execution.fail", Category: audit.CategoryExecution, Severity: audit.SeverityError, Details: json.RawMessage(`{"step":3}`)},
	}
	// Step 3 once, the stray step 2 error and the execution failure.
	if st := replay.ComputeStats(e, logs); st.ErrorCount != 3 {
		t.Fatalf("error count: %d", st.ErrorCount)
	}
}

func TestComputeStats(t *testing.T) {
	e := finishedExecution()
	logs := []audit.Entry{{Severity: audit.SeverityError}, {Severity: audit.SeverityInfo}}
	st := replay.ComputeStats(e, logs)
	if st.TotalSteps != 3 {
		t.Errorf("total steps: %d", st.TotalSteps)
	}
	if st.ByStatus[execution.StepComplete] != 2 || st.ByStatus[execution.StepFailed] != 1 {
		t.Errorf("by status: %v", st.ByStatus)
	}
	if st.TotalDurationMS != 6000 {
		t.Errorf("total duration: %d", st.TotalDurationMS)
	}
	if st.AvgDurationMS != 2000 {
		t.Errorf("avg duration: %f", st.AvgDurationMS)
	}
	if st.ErrorCount != 2 {
		t.Errorf("error count: %d", st.ErrorCount)
	}
	if st.Confirmations != 1 {
		t.Errorf("confirmations: %d", st.Confirmations)
	}
	if st.TokensUsed != 150 {
		t.Errorf("tokens: %d", st.TokensUsed)
	}
}

func step(seq int, action, input string) execution.Step {
	return execution.Step{Sequence: seq, Action: action, Input: json.RawMessage(input)}
}

func TestCompare(t *testing.T) {
	left := &execution.Execution{ID: "l", Steps: []execution.Step{
		step(1, "read_file", `{"path":"a"}`),
		step(2, "write_file", `{"path":"a","body":"x"}`),
		step(3, "run_tests", `{}`),
		step(4, "write_file", `{"path":"b"}`),
	}}
	right := &execution.Execution{ID: "r", Steps: []execution.Step{
		step(1, "read_file", `{ "path": "a" }`),
		step(2, "write_file", `{"path":"a","body":"y"}`),
		step(3, "lint", `{}`),
		step(4, "run_tests", `{}`),
	}}

	c := replay.Compare(left, right)
	if c.Unchanged != 2 {
		t.Errorf("expected 2 unchanged, got %d", c.Unchanged)
	}
	got := map[replay.ChangeKind][]string{}
	for _, d := range c.Differences {
		got[d.Kind] = append(got[d.Kind], d.Action)
	}
	if len(got[replay.ChangeModified]) != 1 || got[replay.ChangeModified][0] != "write_file" {
		t.Errorf("modified: %v", got[replay.ChangeModified])
	}
	if len(got[replay.ChangeRemoved]) != 1 || got[replay.ChangeRemoved][0] != "write_file" {
		t.Errorf("removed: %v", got[replay.ChangeRemoved])
	}
	if len(got[replay.ChangeAdded]) != 1 || got[replay.ChangeAdded][0] != "lint" {
		t.Errorf("added: %v", got[replay.ChangeAdded])
	}
}

func TestCompareIdentical(t *testing.T) {
	e := &execution.Execution{ID: "x", Steps: []execution.Step{step(1, "a", `{}`)}}
	c := replay.Compare(e, e)
	if len(c.Differences) != 0 || c.Unchanged != 1 {
		t.Errorf("unexpected comparison: %+v", c)
	}
}
