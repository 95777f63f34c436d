package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Closer flushes buffered log output.
type Closer interface {
	Close()
}

type nopCloser struct{}

func (nopCloser) Close() {}

// queued is a record waiting for a writer, together with the handler that
// must write it and the (detached) context it was logged with.
type queued struct {
	ctx   context.Context
	rec   slog.Record
	inner slog.Handler
}

// writerQueue is shared by an AsyncHandler and every handler derived from
// it through WithAttrs or WithGroup.
type writerQueue struct {
	ch      chan queued
	wg      sync.WaitGroup
	mu      sync.RWMutex // guards closed against sends on a closed channel
	closed  bool
	dropped atomic.Int64
}

// AsyncHandler hands records to background writers so hot paths such as
// the step loop never wait on log I/O. Below slog.LevelError a record is
// dropped when the queue is full; errors wait for room. Records keep their
// context values, so IDs attached by the context handler survive.
type AsyncHandler struct {
	inner slog.Handler
	q     *writerQueue
}

// NewAsyncHandler starts workers goroutines draining a queue of size
// records into inner.
func NewAsyncHandler(inner slog.Handler, size, workers int) *AsyncHandler {
	q := &writerQueue{ch: make(chan queued, size)}
	for range max(workers, 1) {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for item := range q.ch {
				_ = item.inner.Handle(item.ctx, item.rec)
			}
		}()
	}
	return &AsyncHandler{inner: inner, q: q}
}

func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle enqueues rec. After Close it writes synchronously.
func (h *AsyncHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if ctx == nil {
		ctx = context.Background()
	}
	h.q.mu.RLock()
	defer h.q.mu.RUnlock()
	if h.q.closed {
		return h.inner.Handle(ctx, rec)
	}

	item := queued{ctx: context.WithoutCancel(ctx), rec: rec.Clone(), inner: h.inner}
	if rec.Level >= slog.LevelError {
		h.q.ch <- item
		return nil
	}
	select {
	case h.q.ch <- item:
	default:
		h.q.dropped.Add(1)
	}
	return nil
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithAttrs(attrs), q: h.q}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{inner: h.inner.WithGroup(name), q: h.q}
}

// Dropped returns how many records were discarded on a full queue.
func (h *AsyncHandler) Dropped() int64 { return h.q.dropped.Load() }

// Close flushes queued records and stops the writers. It is safe to call
// more than once.
func (h *AsyncHandler) Close() {
	h.q.mu.Lock()
	if h.q.closed {
		h.q.mu.Unlock()
		return
	}
	h.q.closed = true
	close(h.q.ch)
	h.q.mu.Unlock()
	h.q.wg.Wait()
}
