package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/port/database"
)

// HookRegistry holds the process-wide set of hooks. Reads are served from
// memory; writes persist first and then update the in-memory copy under the
// same lock, so registration order (Seq) is total.
type HookRegistry struct {
	store database.HookStore

	mu    sync.RWMutex
	hooks map[string]hook.Hook
	seq   int64
	now   func() time.Time
}

// NewHookRegistry creates an empty registry. Call Load to populate it.
func NewHookRegistry(store database.HookStore) *HookRegistry {
	return &HookRegistry{
		store: store,
		hooks: make(map[string]hook.Hook),
		now:   time.Now,
	}
}

// Load reads the persisted hooks, then registers the built-ins and the
// file-defined hooks. Built-ins keep a persisted enabled flag; file hooks
// overwrite their stored definition but keep their registration order.
func (r *HookRegistry) Load(ctx context.Context, builtins, fileHooks []hook.Hook) error {
	stored, err := r.store.ListHooks(ctx)
	if err != nil {
		return fmt.Errorf("list hooks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range stored {
		r.hooks[stored[i].ID] = stored[i]
		if stored[i].Seq > r.seq {
			r.seq = stored[i].Seq
		}
	}

	for i := range builtins {
		h := builtins[i]
		h.Origin = hook.OriginBuiltin
		if prev, ok := r.hooks[h.ID]; ok {
			h.Enabled = prev.Enabled
		}
		if err := r.putLocked(ctx, &h); err != nil {
			return err
		}
	}
	for i := range fileHooks {
		h := fileHooks[i]
		h.Origin = hook.OriginUser
		if err := h.Validate(); err != nil {
			return fmt.Errorf("hook %s: %w", h.ID, err)
		}
		if err := r.putLocked(ctx, &h); err != nil {
			return err
		}
	}

	slog.Info("hooks loaded", "total", len(r.hooks), "builtin", len(builtins), "from_files", len(fileHooks))
	return nil
}

// List returns every hook in execution order. A non-empty projectID limits
// the result to hooks in scope for that project.
func (r *HookRegistry) List(projectID string) []hook.Hook {
	r.mu.RLock()
	out := make([]hook.Hook, 0, len(r.hooks))
	for id := range r.hooks {
		h := r.hooks[id]
		if projectID != "" && !h.AppliesTo(projectID) {
			continue
		}
		out = append(out, h)
	}
	r.mu.RUnlock()
	hook.SortByPriority(out)
	return out
}

// Chain returns the enabled hooks for a lifecycle point, in execution order.
func (r *HookRegistry) Chain(lc hook.Lifecycle, projectID string) []hook.Hook {
	return hook.Chain(r.List(""), lc, projectID)
}

// Get returns a hook by id.
func (r *HookRegistry) Get(id string) (hook.Hook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[id]
	if !ok {
		return hook.Hook{}, fmt.Errorf("hook %s: %w", id, domain.ErrNotFound)
	}
	return h, nil
}

// Create registers a user hook.
func (r *HookRegistry) Create(ctx context.Context, req *hook.CreateRequest) (hook.Hook, error) {
	h := hook.FromCreate(req)
	h.ID = uuid.NewString()
	if err := h.Validate(); err != nil {
		return hook.Hook{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.putLocked(ctx, &h); err != nil {
		return hook.Hook{}, err
	}
	return h, nil
}

// Update applies req to a hook. Built-ins accept only enable/disable.
func (r *HookRegistry) Update(ctx context.Context, id string, req *hook.UpdateRequest) (hook.Hook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hooks[id]
	if !ok {
		return hook.Hook{}, fmt.Errorf("hook %s: %w", id, domain.ErrNotFound)
	}
	if h.IsBuiltin() && !req.OnlyToggles() {
		return hook.Hook{}, fmt.Errorf("built-in hook %s can only be enabled or disabled: %w", id, domain.ErrForbidden)
	}
	req.Apply(&h)
	if err := h.Validate(); err != nil {
		return hook.Hook{}, err
	}
	if err := r.putLocked(ctx, &h); err != nil {
		return hook.Hook{}, err
	}
	return h, nil
}

// Toggle flips a hook's enabled flag.
func (r *HookRegistry) Toggle(ctx context.Context, id string) (hook.Hook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hooks[id]
	if !ok {
		return hook.Hook{}, fmt.Errorf("hook %s: %w", id, domain.ErrNotFound)
	}
	h.Enabled = !h.Enabled
	if err := r.putLocked(ctx, &h); err != nil {
		return hook.Hook{}, err
	}
	return h, nil
}

// Delete removes a user hook. Built-ins cannot be deleted.
func (r *HookRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("hook %s: %w", id, domain.ErrNotFound)
	}
	if h.IsBuiltin() {
		return fmt.Errorf("built-in hook %s cannot be deleted: %w", id, domain.ErrForbidden)
	}
	if err := r.store.DeleteHook(ctx, id); err != nil {
		return fmt.Errorf("delete hook: %w", err)
	}
	delete(r.hooks, id)
	return nil
}

// putLocked assigns registration order to new hooks, persists h and caches
// it. Callers hold r.mu.
func (r *HookRegistry) putLocked(ctx context.Context, h *hook.Hook) error {
	now := r.now().UTC()
	if prev, ok := r.hooks[h.ID]; ok {
		h.Seq = prev.Seq
		h.CreatedAt = prev.CreatedAt
	} else {
		r.seq++
		h.Seq = r.seq
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	if err := r.store.UpsertHook(ctx, h); err != nil {
		return fmt.Errorf("upsert hook %s: %w", h.ID, err)
	}
	r.hooks[h.ID] = *h
	return nil
}
