package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/agentengine/internal/middleware"
)

func TestUserIDFromHeader(t *testing.T) {
	var got string
	handler := middleware.UserID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = middleware.UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/x", http.NoBody)
	req.Header.Set("X-User-ID", "user-abc")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got != "user-abc" {
		t.Fatalf("expected user-abc, got %s", got)
	}
}

func TestUserIDMissingRejected(t *testing.T) {
	called := false
	handler := middleware.UserID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/x", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("handler should not run without a caller identity")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestUserIDExemptPath(t *testing.T) {
	called := false
	handler := middleware.UserID("/health")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Fatal("exempt path should pass through")
	}
}

func TestUserIDFromContextMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if got := middleware.UserIDFromContext(req.Context()); got != "" {
		t.Fatalf("expected empty user, got %s", got)
	}
}
