package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/agentengine/internal/domain/audit"
)

// AppendAudit inserts an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *audit.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, user_id, project_id, execution_id, action, category, severity, message, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.UserID, e.ProjectID, e.ExecutionID, e.Action, string(e.Category), string(e.Severity),
		e.Message, nullJSON(e.Details), e.CreatedAt)
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
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if f.ExecutionID != "" {
		add("execution_id = $%d", f.ExecutionID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Category != "" {
		add("category = $%d", string(f.Category))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.After != nil {
		add("created_at > $%d", *f.After)
	}
	if f.Before != nil {
		add("created_at < $%d", *f.Before)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	cur, err := f.Keyset()
	if err != nil {
		return nil, err
	}
	offset := f.Offset
	if cur != nil {
		args = append(args, cur.CreatedAt, cur.ID)
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d::uuid)", len(args)-1, len(args)))
		where = "WHERE " + strings.Join(conditions, " AND ")
		offset = 0
	}

	// Fetch limit+1 to detect has_more.
	query := fmt.Sprintf(
		`SELECT id::text, user_id, project_id, execution_id, action, category, severity, message, details, created_at
		 FROM audit_logs %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2)
	rows, err := s.pool.Query(ctx, query, append(args, f.Limit+1, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	entries := []audit.Entry{}
	for rows.Next() {
		var (
			e                  audit.Entry
			category, severity string
			details            []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.ProjectID, &e.ExecutionID, &e.Action, &category, &severity,
			&e.Message, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Category = audit.Category(category)
		e.Severity = audit.Severity(severity)
		if len(details) > 0 {
			e.Details = details
		}
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}

	page := &audit.Page{Entries: entries, Total: total}
	page.Finish(f.Limit)
	return page, nil
}
