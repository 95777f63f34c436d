package middleware

import (
	"context"
	"net/http"
	"strings"
)

// HeaderUserID carries the caller identity on every API request.
const HeaderUserID = "X-User-ID"

type userCtxKey struct{}

// UserID is middleware that requires the X-User-ID header and stores the
// caller identity in the request context. Requests without it are refused
// with 401. Paths in exempt pass through untouched.
func UserID(exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			uid := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if uid == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"X-User-ID header is required"}`))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), uid)))
		})
	}
}

// WithUserID returns a copy of ctx carrying the caller identity.
func WithUserID(ctx context.Context, uid string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, uid)
}

// UserIDFromContext returns the caller identity stored in ctx, or "".
func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(userCtxKey{}).(string)
	return uid
}
