// Package audit defines the append-only audit trail of tool calls, safety
// checks and execution lifecycle events.
package audit

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/agentengine/internal/domain"
)

// Category groups audit entries by subsystem.
type Category string

const (
	CategoryExecution  Category = "execution"
	CategoryStep       Category = "step"
	CategoryHook       Category = "hook"
	CategorySafety     Category = "safety"
	CategoryCheckpoint Category = "checkpoint"
	CategoryBudget     Category = "budget"
	CategoryToolCall   Category = "tool_call"
)

// Severity ranks an entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var validCategories = map[Category]bool{
	CategoryExecution: true, CategoryStep: true, CategoryHook: true, CategorySafety: true,
	CategoryCheckpoint: true, CategoryBudget: true, CategoryToolCall: true,
}

var validSeverities = map[Severity]bool{
	SeverityInfo: true, SeverityWarning: true, SeverityError: true, SeverityCritical: true,
}

// Entry is a single audit record.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Action      string          `json:"action"`
	Category    Category        `json:"category"`
	Severity    Severity        `json:"severity"`
	Message     string          `json:"message,omitempty"`
	Details     json.RawMessage `json:"details,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// IsError reports whether the entry records a failure.
func (e *Entry) IsError() bool {
	return e.Severity == SeverityError || e.Severity == SeverityCritical
}

// Validate checks required fields and enumerations.
func (e *Entry) Validate() error {
	if e.Action == "" {
		return fmt.Errorf("action is required: %w", domain.ErrValidation)
	}
	if !validCategories[e.Category] {
		return fmt.Errorf("invalid category %q: %w", e.Category, domain.ErrValidation)
	}
	if !validSeverities[e.Severity] {
		return fmt.Errorf("invalid severity %q: %w", e.Severity, domain.ErrValidation)
	}
	return nil
}

// DefaultLimit and MaxLimit bound query page sizes.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Filter selects audit entries. Empty fields do not filter.
type Filter struct {
	UserID      string     `json:"user_id,omitempty"`
	ProjectID   string     `json:"project_id,omitempty"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Action      string     `json:"action,omitempty"`
	Category    Category   `json:"category,omitempty"`
	Severity    Severity   `json:"severity,omitempty"`
	After       *time.Time `json:"after,omitempty"`
	Before      *time.Time `json:"before,omitempty"`
	Limit       int        `json:"limit,omitempty"`
	Offset      int        `json:"offset,omitempty"` // ignored when Cursor is set
	Cursor      string     `json:"cursor,omitempty"`
}

// Normalize clamps the page size and offset.
func (f *Filter) Normalize() {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

// Validate rejects unknown enumerations and malformed cursors.
func (f *Filter) Validate() error {
	if _, err := f.Keyset(); err != nil {
		return err
	}
	if f.Category != "" && !validCategories[f.Category] {
		return fmt.Errorf("invalid category %q: %w", f.Category, domain.ErrValidation)
	}
	if f.Severity != "" && !validSeverities[f.Severity] {
		return fmt.Errorf("invalid severity %q: %w", f.Severity, domain.ErrValidation)
	}
	return nil
}

// Page is one page of entries, newest first. NextCursor resumes after the
// last entry and stays stable while new entries are appended.
type Page struct {
	Entries    []Entry `json:"entries"`
	HasMore    bool    `json:"has_more"`
	Total      int     `json:"total"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// Cursor is a keyset position in the newest-first order (created_at DESC,
// id DESC). A page that starts at a cursor holds only entries ordered
// strictly after it.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorAfter returns the cursor positioned at e.
func CursorAfter(e *Entry) Cursor {
	return Cursor{CreatedAt: e.CreatedAt.UTC(), ID: e.ID}
}

// String encodes the cursor as an opaque URL-safe token.
func (c Cursor) String() string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a token produced by Cursor.String.
func ParseCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", domain.ErrValidation)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", domain.ErrValidation)
	}
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor time: %w", domain.ErrValidation)
	}
	return Cursor{CreatedAt: at.UTC(), ID: id}, nil
}

// Keyset returns the decoded cursor of the filter, or nil for the first page.
func (f *Filter) Keyset() (*Cursor, error) {
	if f.Cursor == "" {
		return nil, nil
	}
	c, err := ParseCursor(f.Cursor)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Finish trims a page fetched with one extra row to limit and fills in
// HasMore and NextCursor.
func (p *Page) Finish(limit int) {
	if len(p.Entries) <= limit {
		return
	}
	p.Entries = p.Entries[:limit]
	p.HasMore = true
	p.NextCursor = CursorAfter(&p.Entries[limit-1]).String()
}
