package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/Strob0t/agentengine/internal/logger"
)

func serveRequestID(header string) (ctxID, respID string) {
	h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		ctxID = logger.RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if header != "" {
		req.Header.Set(HeaderRequestID, header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get(HeaderRequestID)
}

func TestRequestIDPropagated(t *testing.T) {
	ctxID, respID := serveRequestID("trace:abc-123.4_5")
	if ctxID != "trace:abc-123.4_5" || respID != ctxID {
		t.Fatalf("context %q response %q", ctxID, respID)
	}
}

func TestRequestIDReplaced(t *testing.T) {
	for name, header := range map[string]string{
		"missing":   "",
		"oversized": strings.Repeat("x", 200),
		"newline":   "abc\nlevel=ERROR",
		"spaces":    "has spaces",
	} {
		t.Run(name, func(t *testing.T) {
			ctxID, respID := serveRequestID(header)
			if _, err := uuid.Parse(respID); err != nil {
				t.Fatalf("expected UUID, got %q", respID)
			}
			if ctxID != respID {
				t.Fatalf("context %q response %q", ctxID, respID)
			}
		})
	}
}
