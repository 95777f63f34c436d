package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/middleware"
)

// Executions is the subset of the engine the A2A surface drives.
type Executions interface {
	Start(ctx context.Context, req *execution.StartRequest) (*execution.Execution, error)
	GetState(ctx context.Context, id, userID string) (*execution.Execution, error)
}

// Handler serves the A2A protocol endpoints.
type Handler struct {
	baseURL string
	version string
	engine  Executions
}

// NewHandler creates an A2A handler.
func NewHandler(baseURL, version string, engine Executions) *Handler {
	return &Handler{baseURL: baseURL, version: version, engine: engine}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1. The agent card
// is public; protect wraps the task endpoints.
func (h *Handler) MountRoutes(r chi.Router, protect ...func(http.Handler) http.Handler) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.With(protect...).Post("/a2a/tasks", h.handleCreateTask)
	r.With(protect...).Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BuildAgentCard(h.baseURL, h.version))
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	goal, _ := req.Input["goal"].(string)
	if goal == "" {
		writeError(w, http.StatusBadRequest, "input.goal is required")
		return
	}
	agentID, _ := req.Input["agent_id"].(string)
	if agentID == "" {
		agentID = "a2a:" + req.Skill
	}
	start := &execution.StartRequest{
		AgentID:   agentID,
		AgentType: execution.AgentType(req.Skill),
		UserID:    middleware.UserIDFromContext(r.Context()),
		Goal:      goal,
	}
	if len(req.Context) > 0 {
		start.Context, _ = json.Marshal(req.Context)
	}

	e, err := h.engine.Start(r.Context(), start)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("a2a task created", "execution_id", e.ID, "client_id", req.ID, "skill", req.Skill)
	resp := taskFor(e)
	resp.ClientID = req.ID
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	e, err := h.engine.GetState(r.Context(), chi.URLParam(r, "id"), middleware.UserIDFromContext(r.Context()))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskFor(e))
}

// StatusFor maps an execution state onto an A2A task status.
func StatusFor(e *execution.Execution) string {
	switch e.State {
	case execution.StateIdle:
		return StatusSubmitted
	case execution.StateRunning:
		return StatusWorking
	case execution.StatePaused, execution.StateAwaitingConfirmation:
		return StatusInputRequired
	case execution.StateComplete:
		return StatusCompleted
	case execution.StateFailed:
		if e.FailureReason == execution.ReasonCancelled {
			return StatusCanceled
		}
		return StatusFailed
	default:
		return StatusSubmitted
	}
}

func taskFor(e *execution.Execution) TaskResponse {
	resp := TaskResponse{ID: e.ID, Status: StatusFor(e)}
	resp.Output = map[string]any{
		"state":        e.State,
		"current_step": e.CurrentStep,
	}
	if e.State == execution.StateFailed {
		resp.Error = string(e.FailureReason)
		if e.FailureDetail != "" {
			resp.Error += ": " + e.FailureDetail
		}
	}
	return resp
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrBudgetExceeded):
		writeError(w, http.StatusPaymentRequired, err.Error())
	default:
		slog.Error("a2a request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
