package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/port/action"
	"github.com/Strob0t/agentengine/internal/port/messagequeue"
)

// worker answers every action request on q with the result built by reply.
func worker(q *memQueue, reply func(req messagequeue.ActionRequestPayload) messagequeue.ActionResultPayload) {
	q.onPublish = func(subject string, data []byte) {
		if !strings.HasPrefix(subject, messagequeue.SubjectActionRequest+".") {
			return
		}
		var req messagequeue.ActionRequestPayload
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		res, _ := json.Marshal(reply(req))
		_ = q.Publish(context.Background(), messagequeue.SubjectActionResult, res)
	}
}

func TestActionDispatcherRoundTrip(t *testing.T) {
	q := newMemQueue()
	worker(q, func(req messagequeue.ActionRequestPayload) messagequeue.ActionResultPayload {
		return messagequeue.ActionResultPayload{
			ExecutionID: req.ExecutionID,
			StepID:      req.StepID,
			Status:      "complete",
			Output:      json.RawMessage(`{"ran":"` + req.Action + `"}`),
			TokensIn:    7,
		}
	})
	d := NewActionDispatcher(q)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	out, err := d.Execute(context.Background(), action.Request{
		ExecutionID: "e1", StepID: "s1", Sequence: 1, AgentType: "coder", Action: "shell",
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(out.Output) != `{"ran":"shell"}` || out.TokensIn != 7 {
		t.Fatalf("outcome: %+v", out)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending: %d", d.Pending())
	}
	if pub := q.Published(); pub[0].subject != messagequeue.ActionRequestSubject("coder") {
		t.Fatalf("request subject: %s", pub[0].subject)
	}
}

func TestActionDispatcherFailedResult(t *testing.T) {
	q := newMemQueue()
	worker(q, func(req messagequeue.ActionRequestPayload) messagequeue.ActionResultPayload {
		return messagequeue.ActionResultPayload{StepID: req.StepID, Status: "failed", Error: "exit 1"}
	})
	d := NewActionDispatcher(q)
	_ = d.Start(context.Background())
	defer d.Stop()

	_, err := d.Execute(context.Background(), action.Request{StepID: "s1", AgentType: "coder", Action: "shell"})
	if err == nil || err.Error() != "exit 1" {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestActionDispatcherIgnoresForeignResults(t *testing.T) {
	q := newMemQueue()
	worker(q, func(messagequeue.ActionRequestPayload) messagequeue.ActionResultPayload {
		return messagequeue.ActionResultPayload{StepID: "someone-else", Status: "complete"}
	})
	d := NewActionDispatcher(q)
	_ = d.Start(context.Background())
	defer d.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Execute(ctx, action.Request{StepID: "s1", AgentType: "coder", Action: "shell"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending after timeout: %d", d.Pending())
	}
}

func TestActionDispatcherPublishError(t *testing.T) {
	q := newMemQueue()
	q.publishErr = errBoom
	d := NewActionDispatcher(q)

	_, err := d.Execute(context.Background(), action.Request{StepID: "s1", AgentType: "coder", Action: "shell"})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected publish error, got %v", err)
	}
}
