package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/port/database"
)

const defaultAuditBuffer = 1024

// AuditLogger records tool calls, safety decisions and lifecycle events.
// Writes are asynchronous and never fail the caller: a full buffer or a
// failed write degrades to a structured log line.
type AuditLogger struct {
	store   database.AuditStore
	entries chan audit.Entry
	done    chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	now     func() time.Time
}

// NewAuditLogger starts the background writer. buffer <= 0 uses a default.
func NewAuditLogger(store database.AuditStore, buffer int) *AuditLogger {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}
	l := &AuditLogger{
		store:   store,
		entries: make(chan audit.Entry, buffer),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go l.run()
	return l
}

// Log enqueues an entry. It fills in the id, timestamp and default severity.
// A nil logger discards the entry.
func (l *AuditLogger) Log(ctx context.Context, e audit.Entry) {
	if l == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if e.Severity == "" {
		e.Severity = audit.SeverityInfo
	}
	if err := e.Validate(); err != nil {
		fallback(ctx, e, err)
		return
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		fallback(ctx, e, errors.New("audit logger closed"))
		return
	}
	select {
	case l.entries <- e:
	default:
		l.dropped.Add(1)
		fallback(ctx, e, errors.New("audit buffer full"))
	}
}

// Query returns a page of entries, newest first.
func (l *AuditLogger) Query(ctx context.Context, f audit.Filter) (*audit.Page, error) {
	f.Normalize()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	page, err := l.store.QueryAudit(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	return page, nil
}

// Dropped returns the number of entries that bypassed the store because the
// buffer was full.
func (l *AuditLogger) Dropped() int64 { return l.dropped.Load() }

// Close stops accepting entries and waits for queued ones to be written.
func (l *AuditLogger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.entries)
	l.mu.Unlock()
	<-l.done
}

func (l *AuditLogger) run() {
	defer close(l.done)
	for e := range l.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := l.store.AppendAudit(ctx, &e); err != nil {
			fallback(ctx, e, err)
		}
		cancel()
	}
}

// fallback writes the entry to the process log instead of the store.
func fallback(ctx context.Context, e audit.Entry, cause error) {
	slog.WarnContext(ctx, "audit write degraded",
		"error", cause,
		"audit_action", e.Action,
		"category", string(e.Category),
		"severity", string(e.Severity),
		"execution_id", e.ExecutionID,
		"user_id", e.UserID,
		"message", e.Message,
	)
}
