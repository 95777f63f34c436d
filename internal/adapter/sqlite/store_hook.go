package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/agentengine/internal/domain/hook"
)

// ListHooks returns every stored hook in registration order.
func (s *Store) ListHooks(ctx context.Context) ([]hook.Hook, error) {
	rows, err := s.db.QueryContext(ctx,
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
			cond                      sql.NullString
			created, updated          string
		)
		if err := rows.Scan(&h.ID, &h.Name, &h.Description, &lifecycle, &action, &h.Enabled, &h.Priority,
			&cond, &h.Payload, &h.Rule, &h.ProjectID, &origin, &h.Seq, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan hook: %w", err)
		}
		h.Lifecycle = hook.Lifecycle(lifecycle)
		h.Action = hook.ActionType(action)
		h.Origin = hook.Origin(origin)
		if cond.Valid && cond.String != "" {
			h.Condition = &hook.Condition{}
			if err := json.Unmarshal([]byte(cond.String), h.Condition); err != nil {
				return nil, fmt.Errorf("decode condition of hook %s: %w", h.ID, err)
			}
		}
		if h.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if h.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertHook inserts or replaces a hook definition keyed by id. The
// registration sequence and creation time of an existing row are kept.
func (s *Store) UpsertHook(ctx context.Context, h *hook.Hook) error {
	var cond any
	if h.Condition != nil {
		b, err := json.Marshal(h.Condition)
		if err != nil {
			return fmt.Errorf("encode condition of hook %s: %w", h.ID, err)
		}
		cond = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO hooks (id, name, description, lifecycle, action, enabled, priority, condition, payload, rule,
		                    project_id, origin, seq, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT (id) DO UPDATE SET
		   name=excluded.name, description=excluded.description, lifecycle=excluded.lifecycle,
		   action=excluded.action, enabled=excluded.enabled, priority=excluded.priority,
		   condition=excluded.condition, payload=excluded.payload, rule=excluded.rule,
		   project_id=excluded.project_id, updated_at=excluded.updated_at`,
		h.ID, h.Name, h.Description, string(h.Lifecycle), string(h.Action), h.Enabled, h.Priority, cond,
		h.Payload, h.Rule, h.ProjectID, string(h.Origin), h.Seq, formatTime(h.CreatedAt), formatTime(h.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert hook %s: %w", h.ID, err)
	}
	return nil
}

// DeleteHook removes a hook. A missing hook returns domain.ErrNotFound.
func (s *Store) DeleteHook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hooks WHERE id = ?`, id)
	return execExpectOne(res, err, "delete hook %s", id)
}
