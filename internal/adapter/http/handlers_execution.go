package http

import (
	"net/http"

	"github.com/Strob0t/agentengine/internal/domain/execution"
)

const executionNotFound = "execution not found"

// StartExecution handles POST /api/v1/executions.
func (h *Handlers) StartExecution(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[execution.StartRequest](w, r, false)
	if !ok {
		return
	}
	req.UserID = caller(r)
	e, err := h.Executions.Start(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, e.View())
}

// GetExecution handles GET /api/v1/executions/{id}.
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.Executions.GetState(r.Context(), urlParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, e.View())
}

// control adapts an engine control operation to a handler.
func (h *Handlers) control(op func(r *http.Request, id, userID string) (*execution.Execution, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := op(r, urlParam(r, "id"), caller(r))
		if err != nil {
			writeDomainError(w, err, executionNotFound)
			return
		}
		writeJSON(w, http.StatusOK, e.View())
	}
}

// PauseExecution handles POST /api/v1/executions/{id}/pause.
func (h *Handlers) PauseExecution(w http.ResponseWriter, r *http.Request) {
	h.control(func(r *http.Request, id, uid string) (*execution.Execution, error) {
		return h.Executions.Pause(r.Context(), id, uid)
	})(w, r)
}

// ResumeExecution handles POST /api/v1/executions/{id}/resume.
func (h *Handlers) ResumeExecution(w http.ResponseWriter, r *http.Request) {
	h.control(func(r *http.Request, id, uid string) (*execution.Execution, error) {
		return h.Executions.Resume(r.Context(), id, uid)
	})(w, r)
}

// StopExecution handles POST /api/v1/executions/{id}/stop.
func (h *Handlers) StopExecution(w http.ResponseWriter, r *http.Request) {
	h.control(func(r *http.Request, id, uid string) (*execution.Execution, error) {
		return h.Executions.Stop(r.Context(), id, uid)
	})(w, r)
}

// ApproveStep handles POST /api/v1/executions/{id}/approve.
func (h *Handlers) ApproveStep(w http.ResponseWriter, r *http.Request) {
	h.control(func(r *http.Request, id, uid string) (*execution.Execution, error) {
		return h.Executions.Approve(r.Context(), id, uid)
	})(w, r)
}

// RejectStep handles POST /api/v1/executions/{id}/reject.
func (h *Handlers) RejectStep(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r, true)
	if !ok {
		return
	}
	h.control(func(r *http.Request, id, uid string) (*execution.Execution, error) {
		return h.Executions.Reject(r.Context(), id, uid, body.Reason)
	})(w, r)
}

// StreamExecution handles GET /api/v1/executions/{id}/stream.
func (h *Handlers) StreamExecution(w http.ResponseWriter, r *http.Request) {
	if err := h.Stream.Serve(w, r, urlParam(r, "id"), caller(r)); err != nil {
		writeDomainError(w, err, executionNotFound)
	}
}

// GetTimeline handles GET /api/v1/executions/{id}/timeline.
func (h *Handlers) GetTimeline(w http.ResponseWriter, r *http.Request) {
	tl, err := h.Replay.Timeline(r.Context(), urlParam(r, "id"), caller(r))
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, tl)
}

// CompareExecutions handles GET /api/v1/executions/{id}/compare/{other}.
func (h *Handlers) CompareExecutions(w http.ResponseWriter, r *http.Request) {
	c, err := h.Replay.Compare(r.Context(), urlParam(r, "id"), urlParam(r, "other"), caller(r))
	if err != nil {
		writeDomainError(w, err, executionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
