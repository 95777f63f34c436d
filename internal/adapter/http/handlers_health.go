package http

import (
	"context"
	"net/http"
	"time"
)

type healthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
	Breaker string            `json:"llm_breaker,omitempty"`
}

// Health handles GET /health. Any failing check turns the status to
// "degraded" with 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	res := healthStatus{Status: "ok", Version: h.Version, Checks: make(map[string]string, len(h.HealthChecks))}
	for _, c := range h.HealthChecks {
		if err := c.Check(ctx); err != nil {
			res.Checks[c.Name] = err.Error()
			res.Status = "degraded"
			continue
		}
		res.Checks[c.Name] = "ok"
	}
	if h.BreakerState != nil {
		res.Breaker = h.BreakerState()
	}

	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}
