package http

import (
	"net/http"

	"github.com/Strob0t/agentengine/internal/domain/hook"
)

const hookNotFound = "hook not found"

// ListHooks handles GET /api/v1/hooks. ?project_id limits the list to
// hooks in scope for that project.
func (h *Handlers) ListHooks(w http.ResponseWriter, r *http.Request) {
	hooks := h.Hooks.List(r.URL.Query().Get("project_id"))
	if hooks == nil {
		hooks = []hook.Hook{}
	}
	writeJSON(w, http.StatusOK, hooks)
}

// GetHook handles GET /api/v1/hooks/{id}.
func (h *Handlers) GetHook(w http.ResponseWriter, r *http.Request) {
	hk, err := h.Hooks.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, hookNotFound)
		return
	}
	writeJSON(w, http.StatusOK, hk)
}

// CreateHook handles POST /api/v1/hooks.
func (h *Handlers) CreateHook(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[hook.CreateRequest](w, r, false)
	if !ok {
		return
	}
	hk, err := h.Hooks.Create(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, hookNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, hk)
}

// UpdateHook handles PUT /api/v1/hooks/{id}.
func (h *Handlers) UpdateHook(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[hook.UpdateRequest](w, r, false)
	if !ok {
		return
	}
	hk, err := h.Hooks.Update(r.Context(), urlParam(r, "id"), &req)
	if err != nil {
		writeDomainError(w, err, hookNotFound)
		return
	}
	writeJSON(w, http.StatusOK, hk)
}

// DeleteHook handles DELETE /api/v1/hooks/{id}.
func (h *Handlers) DeleteHook(w http.ResponseWriter, r *http.Request) {
	if err := h.Hooks.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, hookNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleHook handles POST /api/v1/hooks/{id}/toggle.
func (h *Handlers) ToggleHook(w http.ResponseWriter, r *http.Request) {
	hk, err := h.Hooks.Toggle(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, hookNotFound)
		return
	}
	writeJSON(w, http.StatusOK, hk)
}

// TestHook handles POST /api/v1/hooks/{id}/test. The body is a sample
// hook context; nothing is recorded.
func (h *Handlers) TestHook(w http.ResponseWriter, r *http.Request) {
	sample, ok := readJSON[hook.Context](w, r, true)
	if !ok {
		return
	}
	if sample.UserID == "" {
		sample.UserID = caller(r)
	}
	res, err := h.HookTest.Test(r.Context(), urlParam(r, "id"), sample)
	if err != nil {
		writeDomainError(w, err, hookNotFound)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
