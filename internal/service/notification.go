package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/Strob0t/agentengine/internal/port/notifier"
)

var levelRank = map[string]int{"debug": 0, "info": 1, "warning": 2, "error": 3}

// NotificationFanout delivers hook notifications to every registered
// notifier, dropping those below a minimum level. It implements
// notifier.Notifier itself so the hook pipeline sees a single sink.
type NotificationFanout struct {
	targets  *notifier.Registry
	minLevel int
}

var _ notifier.Notifier = (*NotificationFanout)(nil)

// NewNotificationFanout creates a fanout that drops notifications below
// minLevel ("debug", "info", "warning", "error"). Nil notifiers are skipped;
// notifiers are keyed by name, so a later one replaces an earlier namesake.
func NewNotificationFanout(minLevel string, notifiers ...notifier.Notifier) *NotificationFanout {
	reg := notifier.NewRegistry()
	for _, n := range notifiers {
		if n != nil {
			reg.Register(n)
		}
	}
	return &NotificationFanout{targets: reg, minLevel: levelRank[minLevel]}
}

// Name implements notifier.Notifier.
func (f *NotificationFanout) Name() string { return "fanout" }

// Send delivers n to every notifier. A failing notifier does not stop
// delivery to the rest; the failures are joined into the returned error.
func (f *NotificationFanout) Send(ctx context.Context, n notifier.Notification) error {
	level := n.Level
	if level == "" {
		level = "info"
	}
	if rank, ok := levelRank[level]; ok && rank < f.minLevel {
		return nil
	}
	err := f.targets.Send(ctx, n)
	if err != nil && !errors.Is(err, notifier.ErrNotConfigured) {
		slog.Warn("notification delivery incomplete", "source", n.Source, "execution_id", n.ExecutionID, "error", err)
	}
	return err
}

// Targets returns the names of the registered notifiers.
func (f *NotificationFanout) Targets() []string { return f.targets.Available() }
