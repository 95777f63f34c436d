package ws

import (
	"context"

	"github.com/Strob0t/agentengine/internal/port/broadcast"
	"github.com/Strob0t/agentengine/internal/port/notifier"
)

// NotificationEvent is the payload of a "notification" message.
type NotificationEvent struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Level       string `json:"level"`
	Source      string `json:"source"`
	ExecutionID string `json:"execution_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Notifier delivers notify-hook messages to dashboards through the hub.
type Notifier struct {
	hub *Hub
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates a notifier broadcasting through hub.
func NewNotifier(hub *Hub) *Notifier { return &Notifier{hub: hub} }

// Name implements notifier.Notifier.
func (n *Notifier) Name() string { return "ws" }

// Send implements notifier.Notifier.
func (n *Notifier) Send(ctx context.Context, msg notifier.Notification) error {
	if n.hub == nil {
		return notifier.ErrNotConfigured
	}
	n.hub.BroadcastEvent(ctx, broadcast.EventNotification, NotificationEvent(msg))
	return nil
}
