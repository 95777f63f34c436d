package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/agentengine/internal/adapter/a2a"
	aeotel "github.com/Strob0t/agentengine/internal/adapter/otel"
	"github.com/Strob0t/agentengine/internal/middleware"
	"github.com/Strob0t/agentengine/internal/port/cache"
)

// idempotencyTTL is how long a replayable response is kept.
const idempotencyTTL = 24 * time.Hour

// RouterConfig holds the cross-cutting pieces of the router.
type RouterConfig struct {
	CORSOrigin  string
	APIKey      string
	ServiceName string                  // span name prefix; empty disables tracing middleware
	RateLimiter *middleware.RateLimiter // nil disables rate limiting
	Idempotency cache.Cache             // nil disables Idempotency-Key replay
	A2A         *a2a.Handler            // nil disables the A2A surface
}

// NewRouter builds the full HTTP surface: /health, the A2A endpoints and
// the /api/v1 engine API.
func NewRouter(cfg RouterConfig, h *Handlers) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger)
	r.Use(Recoverer)
	r.Use(SecurityHeaders)
	r.Use(CORS(cfg.CORSOrigin))
	if cfg.ServiceName != "" {
		r.Use(aeotel.HTTPMiddleware(cfg.ServiceName))
	}

	r.Get("/health", h.Health)

	if cfg.A2A != nil {
		cfg.A2A.MountRoutes(r, middleware.APIKey(cfg.APIKey), middleware.UserID())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))
		r.Use(middleware.UserID())
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Handler)
		}
		MountRoutes(r, h, cfg.Idempotency)
	})
	return r
}

// MountRoutes registers the engine API on r.
func MountRoutes(r chi.Router, h *Handlers, idem cache.Cache) {
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
	})

	// Executions
	start := http.Handler(http.HandlerFunc(h.StartExecution))
	if idem != nil {
		start = middleware.Idempotency(idem, idempotencyTTL)(start)
	}
	r.Method(http.MethodPost, "/executions", start)
	r.Get("/executions/{id}", h.GetExecution)
	r.Post("/executions/{id}/pause", h.PauseExecution)
	r.Post("/executions/{id}/resume", h.ResumeExecution)
	r.Post("/executions/{id}/stop", h.StopExecution)
	r.Post("/executions/{id}/approve", h.ApproveStep)
	r.Post("/executions/{id}/reject", h.RejectStep)
	r.Get("/executions/{id}/stream", h.StreamExecution)

	// Replay
	r.Get("/executions/{id}/timeline", h.GetTimeline)
	r.Get("/executions/{id}/compare/{other}", h.CompareExecutions)

	// Checkpoints
	r.Get("/executions/{id}/checkpoints", h.ListCheckpoints)
	r.Post("/executions/{id}/checkpoints", h.CreateCheckpoint)
	r.Get("/executions/{id}/checkpoints/latest", h.LatestCheckpoint)
	r.Post("/checkpoints/{id}/rollback", h.RollbackCheckpoint)

	// Hooks
	r.Get("/hooks", h.ListHooks)
	r.Post("/hooks", h.CreateHook)
	r.Get("/hooks/{id}", h.GetHook)
	r.Put("/hooks/{id}", h.UpdateHook)
	r.Delete("/hooks/{id}", h.DeleteHook)
	r.Post("/hooks/{id}/toggle", h.ToggleHook)
	r.Post("/hooks/{id}/test", h.TestHook)

	// Audit and budget
	r.Get("/audit", h.QueryAudit)
	r.Get("/budget", h.GetBudget)
	r.Put("/budget/limits", h.SetBudgetLimits)
}
