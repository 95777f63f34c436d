package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/agentengine/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxIdempotencyBody   = 1 << 20
)

type storedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// POST requests, so a retried start does not launch a second execution.
// Keys are scoped per caller and kept for ttl. Only 2xx responses are stored.
func Idempotency(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			ckey := "idem:" + callerKey(r) + ":" + r.URL.Path + ":" + key

			if raw, ok, err := c.Get(r.Context(), ckey); err == nil && ok {
				var sr storedResponse
				if err := json.Unmarshal(raw, &sr); err == nil {
					for k, vs := range sr.Header {
						w.Header()[k] = vs
					}
					w.Header().Set("Idempotent-Replay", "true")
					w.WriteHeader(sr.Status)
					_, _ = w.Write(sr.Body)
					return
				}
				slog.Warn("idempotency: corrupt entry", "key", key)
			}

			rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status < 200 || rec.status > 299 || rec.buf.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(storedResponse{Status: rec.status, Header: w.Header().Clone(), Body: rec.buf.Bytes()})
			if err != nil {
				return
			}
			if err := c.Set(r.Context(), ckey, data, ttl); err != nil {
				slog.Warn("idempotency: store failed", "key", key, "error", err)
			}
		})
	}
}

type captureWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (cw *captureWriter) WriteHeader(code int) {
	cw.status = code
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *captureWriter) Write(b []byte) (int, error) {
	cw.buf.Write(b)
	return cw.ResponseWriter.Write(b)
}
