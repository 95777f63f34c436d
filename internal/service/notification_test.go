package service

import (
	"context"
	"errors"
	"testing"

	"github.com/Strob0t/agentengine/internal/port/notifier"
)

type namedNotifier struct {
	*recNotifier
	name string
}

func (n namedNotifier) Name() string { return n.name }

type failingNotifier struct{}

func (failingNotifier) Name() string { return "broken" }
func (failingNotifier) Send(context.Context, notifier.Notification) error {
	return errBoom
}

func TestNotificationFanoutDeliversToAll(t *testing.T) {
	a, b := &recNotifier{}, &recNotifier{}
	f := NewNotificationFanout("", namedNotifier{a, "ws"}, nil, namedNotifier{b, "slack"})
	if got := f.Targets(); len(got) != 2 || got[0] != "slack" || got[1] != "ws" {
		t.Fatalf("targets: %v", got)
	}
	if err := f.Send(context.Background(), notifier.Notification{Title: "t", Message: "m"}); err != nil {
		t.Fatal(err)
	}
	if len(a.Sent()) != 1 || len(b.Sent()) != 1 {
		t.Fatalf("sent: %d %d", len(a.Sent()), len(b.Sent()))
	}
}

func TestNotificationFanoutContinuesPastFailure(t *testing.T) {
	ok := &recNotifier{}
	f := NewNotificationFanout("", failingNotifier{}, ok)
	err := f.Send(context.Background(), notifier.Notification{Message: "m", Level: "error"})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected joined failure, got %v", err)
	}
	if len(ok.Sent()) != 1 {
		t.Fatal("healthy notifier skipped")
	}
}

func TestNotificationFanoutMinLevel(t *testing.T) {
	n := &recNotifier{}
	f := NewNotificationFanout("warning", n)
	ctx := context.Background()
	_ = f.Send(ctx, notifier.Notification{Message: "chatty", Level: "info"})
	_ = f.Send(ctx, notifier.Notification{Message: "default level"})
	_ = f.Send(ctx, notifier.Notification{Message: "loud", Level: "error"})
	if sent := n.Sent(); len(sent) != 1 || sent[0].Message != "loud" {
		t.Fatalf("sent: %+v", sent)
	}
}

func TestNotificationFanoutEmpty(t *testing.T) {
	err := NewNotificationFanout("").Send(context.Background(), notifier.Notification{})
	if !errors.Is(err, notifier.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
