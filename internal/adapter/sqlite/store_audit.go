package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/agentengine/internal/domain/audit"
)

// AppendAudit inserts an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, user_id, project_id, execution_id, action, category, severity, message, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ProjectID, e.ExecutionID, e.Action, string(e.Category), string(e.Severity),
		e.Message, nullText(e.Details), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// QueryAudit returns one page of matching entries, newest first.
func (s *Store) QueryAudit(ctx context.Context, f audit.Filter) (*audit.Page, error) {
	f.Normalize()

	var (
		conditions []string
		args       []any
	)
	add := func(clause string, v any) {
		conditions = append(conditions, clause)
		args = append(args, v)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.ProjectID != "" {
		add("project_id = ?", f.ProjectID)
	}
	if f.ExecutionID != "" {
		add("execution_id = ?", f.ExecutionID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.Category != "" {
		add("category = ?", string(f.Category))
	}
	if f.Severity != "" {
		add("severity = ?", string(f.Severity))
	}
	if f.After != nil {
		add("created_at > ?", formatTime(*f.After))
	}
	if f.Before != nil {
		add("created_at < ?", formatTime(*f.Before))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	cur, err := f.Keyset()
	if err != nil {
		return nil, err
	}
	offset := f.Offset
	if cur != nil {
		ts := formatTime(cur.CreatedAt)
		conditions = append(conditions, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, ts, ts, cur.ID)
		where = "WHERE " + strings.Join(conditions, " AND ")
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, project_id, execution_id, action, category, severity, message, details, created_at
		 FROM audit_logs `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit+1, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	entries := []audit.Entry{}
	for rows.Next() {
		var (
			e                  audit.Entry
			category, severity string
			details            sql.NullString
			created            string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProjectID, &e.ExecutionID, &e.Action, &category, &severity,
			&e.Message, &details, &created); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Category = audit.Category(category)
		e.Severity = audit.Severity(severity)
		if details.Valid && details.String != "" {
			e.Details = json.RawMessage(details.String)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}

	page := &audit.Page{Entries: entries, Total: total}
	page.Finish(f.Limit)
	return page, nil
}
