package http

import (
	"net/http"

	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
)

// ListCheckpoints handles GET /api/v1/executions/{id}/checkpoints.
func (h *Handlers) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	cps, err := h.Executions.ListCheckpoints(r.Context(), urlParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	if cps == nil {
		cps = []checkpoint.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

// CreateCheckpoint handles POST /api/v1/executions/{id}/checkpoints.
func (h *Handlers) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Description string `json:"description"`
	}](w, r, true)
	if !ok {
		return
	}
	cp, err := h.Executions.CreateCheckpoint(r.Context(), urlParam(r, "id"), caller(r), body.Description)
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, cp)
}

// LatestCheckpoint handles GET /api/v1/executions/{id}/checkpoints/latest.
func (h *Handlers) LatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	cp, err := h.Executions.LatestCheckpoint(r.Context(), urlParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, err, "no checkpoint found")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// RollbackCheckpoint handles POST /api/v1/checkpoints/{id}/rollback.
func (h *Handlers) RollbackCheckpoint(w http.ResponseWriter, r *http.Request) {
	e, err := h.Executions.Rollback(r.Context(), urlParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, err, "checkpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, e.View())
}
