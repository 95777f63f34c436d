// Package broadcast defines the port for pushing engine events to every
// connected dashboard client.
package broadcast

import "context"

// Event types sent to dashboards.
const (
	EventExecutionState = "execution.state"
	EventStepUpdate     = "execution.step"
	EventNotification   = "notification"
	EventBudgetWarning  = "budget.warning"
)

// Broadcaster sends real-time events to all connected clients.
type Broadcaster interface {
	// BroadcastEvent sends a typed event to all connected clients.
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}
