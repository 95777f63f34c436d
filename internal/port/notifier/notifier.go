// Package notifier defines the notification port used by notify hooks.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Level       string `json:"level"`  // "info", "warning", "error"
	Source      string `json:"source"` // hook id or subsystem
	ExecutionID string `json:"execution_id,omitempty"`
	UserID      string `json:"user_id,omitempty"`
}

// Notifier is the port interface for sending notifications.
type Notifier interface {
	// Name returns the unique identifier for this notifier (e.g. "ws", "nats").
	Name() string

	// Send delivers a notification.
	Send(ctx context.Context, n Notification) error
}
