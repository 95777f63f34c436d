package middleware_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/agentengine/internal/middleware"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, *calls)
	})
}

func post(h http.Handler, user, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/executions", strings.NewReader(`{}`))
	req.Header.Set("X-User-ID", user)
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotencyReplaysResponse(t *testing.T) {
	calls := 0
	h := middleware.Idempotency(newMemCache(), time.Hour)(countingHandler(&calls, http.StatusCreated))

	first := post(h, "u1", "abc")
	second := post(h, "u1", "abc")

	if calls != 1 {
		t.Fatalf("expected handler to run once, ran %d times", calls)
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replayed status = %d, want 201", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("bodies differ: %q vs %q", first.Body.String(), second.Body.String())
	}
	if second.Header().Get("Idempotent-Replay") != "true" {
		t.Error("expected Idempotent-Replay header on replay")
	}
}

func TestIdempotencyScopedPerCaller(t *testing.T) {
	calls := 0
	h := middleware.Idempotency(newMemCache(), time.Hour)(countingHandler(&calls, http.StatusCreated))

	post(h, "u1", "abc")
	post(h, "u2", "abc")

	if calls != 2 {
		t.Fatalf("expected separate callers to run separately, ran %d times", calls)
	}
}

func TestIdempotencyWithoutKey(t *testing.T) {
	calls := 0
	h := middleware.Idempotency(newMemCache(), time.Hour)(countingHandler(&calls, http.StatusCreated))

	post(h, "u1", "")
	post(h, "u1", "")

	if calls != 2 {
		t.Fatalf("expected 2 calls without key, got %d", calls)
	}
}

func TestIdempotencySkipsErrors(t *testing.T) {
	calls := 0
	h := middleware.Idempotency(newMemCache(), time.Hour)(countingHandler(&calls, http.StatusConflict))

	post(h, "u1", "k")
	post(h, "u1", "k")

	if calls != 2 {
		t.Fatalf("error responses must not be stored, got %d calls", calls)
	}
}
