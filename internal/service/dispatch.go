package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Strob0t/agentengine/internal/port/action"
	"github.com/Strob0t/agentengine/internal/port/messagequeue"
)

// ActionDispatcher executes actions on remote workers: it publishes the
// request on actions.request.<agentType> and waits for the matching
// actions.result reply, correlated by step id.
type ActionDispatcher struct {
	queue messagequeue.Queue

	pending *waiters[messagequeue.ActionResultPayload]

	mu   sync.Mutex
	stop func()
}

var _ action.Executor = (*ActionDispatcher)(nil)

// NewActionDispatcher creates a dispatcher over queue.
func NewActionDispatcher(queue messagequeue.Queue) *ActionDispatcher {
	return &ActionDispatcher{
		queue:   queue,
		pending: newWaiters[messagequeue.ActionResultPayload](),
	}
}

// Start listens for results. Every process sees every result and keeps the
// ones it is waiting for.
func (d *ActionDispatcher) Start(ctx context.Context) error {
	cancel, err := d.queue.Fanout(ctx, messagequeue.SubjectActionResult, d.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messagequeue.SubjectActionResult, err)
	}
	d.mu.Lock()
	d.stop = cancel
	d.mu.Unlock()
	return nil
}

// Stop detaches from the result subject.
func (d *ActionDispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.stop()
		d.stop = nil
	}
}

// Pending returns the number of requests awaiting a result.
func (d *ActionDispatcher) Pending() int { return d.pending.len() }

// Execute implements action.Executor. It blocks until the worker replies or
// ctx ends. A failed result returns its changes together with an error.
func (d *ActionDispatcher) Execute(ctx context.Context, req action.Request) (action.Outcome, error) {
	ch, release := d.pending.add(req.StepID)
	defer release()

	data, err := json.Marshal(messagequeue.ActionRequestPayload{
		ExecutionID: req.ExecutionID,
		StepID:      req.StepID,
		Sequence:    req.Sequence,
		ProjectID:   req.ProjectID,
		AgentType:   req.AgentType,
		Action:      req.Action,
		Input:       req.Input,
	})
	if err != nil {
		return action.Outcome{}, fmt.Errorf("marshal action request: %w", err)
	}
	if err := d.queue.Publish(ctx, messagequeue.ActionRequestSubject(req.AgentType), data); err != nil {
		return action.Outcome{}, fmt.Errorf("dispatch %s: %w", req.Action, err)
	}

	select {
	case <-ctx.Done():
		return action.Outcome{}, ctx.Err()
	case res := <-ch:
		out := action.Outcome{
			Output:    res.Output,
			Files:     res.Files,
			DB:        res.DB,
			TokensIn:  res.TokensIn,
			TokensOut: res.TokensOut,
		}
		if res.Status == "failed" {
			msg := res.Error
			if msg == "" {
				msg = "action failed"
			}
			return out, errors.New(msg)
		}
		return out, nil
	}
}

func (d *ActionDispatcher) handleResult(_ context.Context, _ string, data []byte) error {
	var res messagequeue.ActionResultPayload
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("unmarshal action result: %w", err)
	}

	if found, accepted := d.pending.deliver(res.StepID, res); found && !accepted {
		slog.Warn("duplicate action result", "execution_id", res.ExecutionID, "step_id", res.StepID)
	}
	return nil
}
