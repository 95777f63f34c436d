package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/config"
)

type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for i := range h.records {
		if h.records[i].Level == level {
			n++
		}
	}
	return n
}

func record(level slog.Level, msg string) slog.Record {
	return slog.NewRecord(time.Now(), level, msg, 0)
}

func TestAsyncHandlerFlushesOnClose(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 1000, 4)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = ah.Handle(context.Background(), record(slog.LevelInfo, "step"))
			}
		}()
	}
	wg.Wait()
	ah.Close()

	if got := inner.count(slog.LevelInfo); got+int(ah.Dropped()) != 500 {
		t.Fatalf("written %d + dropped %d != 500", got, ah.Dropped())
	}
}

func TestAsyncHandlerDropsInfoButKeepsErrors(t *testing.T) {
	inner := &recordingHandler{delay: 5 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for range 30 {
		_ = ah.Handle(context.Background(), record(slog.LevelInfo, "noise"))
		_ = ah.Handle(context.Background(), record(slog.LevelError, "failure"))
	}
	ah.Close()

	if ah.Dropped() == 0 {
		t.Fatal("expected info records to be dropped")
	}
	if got := inner.count(slog.LevelError); got != 30 {
		t.Fatalf("errors written: %d", got)
	}
}

func TestAsyncHandlerAfterCloseWritesDirectly(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 4, 1)
	ah.Close()
	ah.Close()

	if err := ah.WithAttrs([]slog.Attr{slog.String("k", "v")}).Handle(context.Background(), record(slog.LevelInfo, "late")); err != nil {
		t.Fatal(err)
	}
	if got := inner.count(slog.LevelInfo); got != 1 {
		t.Fatalf("late record written %d times", got)
	}
}

func TestAsyncLoggerKeepsContextIDs(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "engine", Format: "json", Async: true}, &buf, false)

	ctx, cancel := context.WithCancel(WithExecutionID(context.Background(), "exec-3"))
	l.InfoContext(ctx, "queued")
	cancel()
	closer.Close()

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if rec["execution_id"] != "exec-3" || rec["service"] != "engine" {
		t.Fatalf("record: %v", rec)
	}
}
