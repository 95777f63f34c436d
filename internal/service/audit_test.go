package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/audit"
)

func TestAuditLoggerWritesAsynchronously(t *testing.T) {
	store := newMemStore()
	l := NewAuditLogger(store, 16)
	ctx := context.Background()

	l.Log(ctx, audit.Entry{ExecutionID: "e1", Action: "shell", Category: audit.CategoryToolCall})
	l.Log(ctx, audit.Entry{ExecutionID: "e1", Action: "step.approve", Category: audit.CategorySafety, Severity: audit.SeverityWarning})
	l.Close()

	if len(store.audit) != 2 {
		t.Fatalf("entries: %d", len(store.audit))
	}
	first := store.audit[0]
	if first.ID == "" || first.CreatedAt.IsZero() || first.Severity != audit.SeverityInfo {
		t.Fatalf("defaults not applied: %+v", first)
	}
}

func TestAuditLoggerDropsInvalidAndClosed(t *testing.T) {
	store := newMemStore()
	l := NewAuditLogger(store, 4)
	ctx := context.Background()

	l.Log(ctx, audit.Entry{Action: "x", Category: "bogus"})
	l.Close()
	l.Log(ctx, audit.Entry{Action: "late", Category: audit.CategoryExecution})
	l.Close()

	if len(store.audit) != 0 {
		t.Fatalf("unexpected entries: %+v", store.audit)
	}

	var nilLogger *AuditLogger
	nilLogger.Log(ctx, audit.Entry{Action: "ignored", Category: audit.CategoryExecution})
}

func TestAuditLoggerQuery(t *testing.T) {
	store := newMemStore()
	l := NewAuditLogger(store, 64)
	ctx := context.Background()
	for range 7 {
		l.Log(ctx, audit.Entry{ExecutionID: "e1", Action: "shell", Category: audit.CategoryToolCall})
	}
	l.Log(ctx, audit.Entry{ExecutionID: "e2", Action: "shell", Category: audit.CategoryToolCall})
	l.Close()

	page, err := l.Query(ctx, audit.Filter{ExecutionID: "e1", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) != 5 || !page.HasMore || page.Total != 7 {
		t.Fatalf("page: %d entries, more=%v total=%d", len(page.Entries), page.HasMore, page.Total)
	}
	page, _ = l.Query(ctx, audit.Filter{ExecutionID: "e1", Limit: 5, Offset: 5})
	if len(page.Entries) != 2 || page.HasMore {
		t.Fatalf("second page: %d entries, more=%v", len(page.Entries), page.HasMore)
	}

	if _, err := l.Query(ctx, audit.Filter{Severity: "loud"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestAuditLoggerCursorStableUnderAppends(t *testing.T) {
	store := newMemStore()
	l := NewAuditLogger(store, 64)
	ctx := context.Background()
	for i := range 7 {
		l.Log(ctx, audit.Entry{ExecutionID: "e1", Action: fmt.Sprintf("old-%d", i), Category: audit.CategoryToolCall})
	}
	l.Close()

	first, err := l.Query(ctx, audit.Filter{ExecutionID: "e1", Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if !first.HasMore || first.NextCursor == "" {
		t.Fatalf("first page: %+v", first)
	}

	// A live run keeps logging between page fetches.
	for i := range 3 {
		_ = store.AppendAudit(ctx, &audit.Entry{ID: fmt.Sprintf("new-%d", i), ExecutionID: "e1", Action: "new", Category: audit.CategoryToolCall})
	}

	second, err := l.Query(ctx, audit.Filter{ExecutionID: "e1", Limit: 5, Cursor: first.NextCursor})
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, e := range second.Entries {
		got = append(got, e.Action)
	}
	if !slices.Equal(got, []string{"old-1", "old-0"}) || second.HasMore {
		t.Fatalf("second page: %v more=%v", got, second.HasMore)
	}
}
