// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a durable, load-balanced handler for messages on
	// the given subject. The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Fanout registers an ephemeral handler that receives every new message
	// on the subject, independently of other processes.
	Fanout(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subjects used by the engine.
const (
	SubjectExecutionEvents = "executions.events" // executions.events.{executionID}
	SubjectActionRequest   = "actions.request"   // actions.request.{agentType}
	SubjectActionResult    = "actions.result"    // replies from action workers
	SubjectNotification    = "executions.notify" // notify-hook deliveries
)

// ExecutionEventsSubject returns the per-execution event subject.
func ExecutionEventsSubject(executionID string) string {
	return SubjectExecutionEvents + "." + executionID
}

// ActionRequestSubject returns the dispatch subject for an agent type.
func ActionRequestSubject(agentType string) string {
	if agentType == "" {
		agentType = "default"
	}
	return SubjectActionRequest + "." + agentType
}
