package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/agentengine/internal/domain/hook"
)

// ListHooks returns every stored hook in registration order.
func (s *Store) ListHooks(ctx context.Context) ([]hook.Hook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, lifecycle, action, enabled, priority, condition, payload, rule,
		        project_id, origin, seq, created_at, updated_at
		 FROM hooks ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("list hooks: %w", err)
	}
	defer rows.Close()

	out := []hook.Hook{}
	for rows.Next() {
		var (
			h                         hook.Hook
			lifecycle, action, origin string
			cond                      []byte
		)
		if err := rows.Scan(&h.ID, &h.Name, &h.Description, &lifecycle, &action, &h.Enabled, &h.Priority,
			&cond, &h.Payload, &h.Rule, &h.ProjectID, &origin, &h.Seq, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan hook: %w", err)
		}
		h.Lifecycle = hook.Lifecycle(lifecycle)
		h.Action = hook.ActionType(action)
		h.Origin = hook.Origin(origin)
		if h.Condition, err = unmarshalNullable[hook.Condition](cond); err != nil {
			return nil, fmt.Errorf("decode condition of hook %s: %w", h.ID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertHook inserts or replaces a hook definition keyed by id.
func (s *Store) UpsertHook(ctx context.Context, h *hook.Hook) error {
	cond, err := marshalNullable(h.Condition)
	if err != nil {
		return fmt.Errorf("encode condition of hook %s: %w", h.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO hooks (id, name, description, lifecycle, action, enabled, priority, condition, payload, rule,
		                    project_id, origin, seq, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (id) DO UPDATE SET
		   name=EXCLUDED.name, description=EXCLUDED.description, lifecycle=EXCLUDED.lifecycle,
		   action=EXCLUDED.action, enabled=EXCLUDED.enabled, priority=EXCLUDED.priority,
		   condition=EXCLUDED.condition, payload=EXCLUDED.payload, rule=EXCLUDED.rule,
		   project_id=EXCLUDED.project_id, updated_at=EXCLUDED.updated_at`,
		h.ID, h.Name, h.Description, string(h.Lifecycle), string(h.Action), h.Enabled, h.Priority, cond,
		h.Payload, h.Rule, h.ProjectID, string(h.Origin), h.Seq, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert hook %s: %w", h.ID, err)
	}
	return nil
}

// DeleteHook removes a hook. A missing hook returns domain.ErrNotFound.
func (s *Store) DeleteHook(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hooks WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete hook %s", id)
}
