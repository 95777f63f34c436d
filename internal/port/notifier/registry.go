package notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry fans a notification out to every registered notifier.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

// NewRegistry creates a registry holding the given notifiers.
func NewRegistry(ns ...Notifier) *Registry {
	r := &Registry{notifiers: make(map[string]Notifier)}
	for _, n := range ns {
		r.Register(n)
	}
	return r
}

// Register adds n, replacing any notifier with the same name.
func (r *Registry) Register(n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[n.Name()] = n
}

// Available returns the registered notifier names, sorted.
func (r *Registry) Available() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.notifiers))
	for name := range r.notifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name implements Notifier.
func (r *Registry) Name() string { return "registry" }

// Send delivers n to every notifier and joins their errors.
func (r *Registry) Send(ctx context.Context, n Notification) error {
	r.mu.RLock()
	targets := make([]Notifier, 0, len(r.notifiers))
	for _, t := range r.notifiers {
		targets = append(targets, t)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return ErrNotConfigured
	}
	var errs []error
	for _, t := range targets {
		if err := t.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}
