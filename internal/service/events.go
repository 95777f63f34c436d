package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/port/broadcast"
	"github.com/Strob0t/agentengine/internal/port/messagequeue"
)

// EventPublisher emits execution step and state events. With a queue the
// events travel through NATS so every process's StreamHub sees them;
// without one they go straight to the local hub. Dashboards receive a copy
// through the broadcaster either way.
type EventPublisher struct {
	queue messagequeue.Queue
	hub   *StreamHub
	dash  broadcast.Broadcaster

	mu   sync.Mutex
	stop func()
}

// NewEventPublisher creates a publisher. queue and dash may be nil.
func NewEventPublisher(queue messagequeue.Queue, hub *StreamHub, dash broadcast.Broadcaster) *EventPublisher {
	return &EventPublisher{queue: queue, hub: hub, dash: dash}
}

// Start feeds the local hub from the shared event subject.
func (p *EventPublisher) Start(ctx context.Context) error {
	if p.queue == nil || p.hub == nil {
		return nil
	}
	cancel, err := p.queue.Fanout(ctx, messagequeue.SubjectExecutionEvents+".>", func(_ context.Context, _ string, data []byte) error {
		var ev StreamEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		p.hub.Publish(ev)
		return nil
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.stop = cancel
	p.mu.Unlock()
	return nil
}

// Stop detaches from the shared event subject.
func (p *EventPublisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
}

// State emits the execution's current lifecycle state.
func (p *EventPublisher) State(ctx context.Context, e *execution.Execution) {
	if p == nil {
		return
	}
	v := e.View()
	v.Steps = nil
	p.emit(ctx, StreamEvent{
		Type:        broadcast.EventExecutionState,
		ExecutionID: e.ID,
		State:       string(e.State),
		Data:        mustJSON(v),
	})
}

// Step emits the current status of one step.
func (p *EventPublisher) Step(ctx context.Context, e *execution.Execution, s *execution.Step) {
	if p == nil || s == nil {
		return
	}
	p.emit(ctx, StreamEvent{
		Type:        broadcast.EventStepUpdate,
		ExecutionID: e.ID,
		State:       string(e.State),
		Step:        mustJSON(s),
	})
}

func (p *EventPublisher) emit(ctx context.Context, ev StreamEvent) {
	ev.At = time.Now().UTC().Format(time.RFC3339Nano)
	if p.dash != nil {
		p.dash.BroadcastEvent(ctx, ev.Type, ev)
	}

	if p.queue != nil {
		data := mustJSON(ev)
		err := p.queue.Publish(ctx, messagequeue.ExecutionEventsSubject(ev.ExecutionID), data)
		if err == nil {
			return
		}
		slog.Warn("publish execution event, delivering locally",
			"execution_id", ev.ExecutionID,
			"type", ev.Type,
			"error", err,
		)
	}
	if p.hub != nil {
		p.hub.Publish(ev)
	}
}
