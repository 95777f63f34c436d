package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/agentengine/internal/port/messagequeue"
	"github.com/Strob0t/agentengine/internal/port/notifier"
)

// Notifier publishes notify-hook deliveries on the notification subject.
type Notifier struct {
	q messagequeue.Queue
}

// NewNotifier creates a notifier publishing through q.
func NewNotifier(q messagequeue.Queue) *Notifier {
	return &Notifier{q: q}
}

// Name implements notifier.Notifier.
func (n *Notifier) Name() string { return "nats" }

// Send implements notifier.Notifier.
func (n *Notifier) Send(ctx context.Context, msg notifier.Notification) error {
	data, err := json.Marshal(messagequeue.NotificationPayload{
		Title:       msg.Title,
		Message:     msg.Message,
		Level:       msg.Level,
		Source:      msg.Source,
		ExecutionID: msg.ExecutionID,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.q.Publish(ctx, messagequeue.SubjectNotification, data)
}
