package http

import (
	"net/http"
	"time"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/budget"
)

// QueryAudit handles GET /api/v1/audit. Results are always limited to the
// caller's own entries.
func (h *Handlers) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		UserID:      caller(r),
		ProjectID:   q.Get("project_id"),
		ExecutionID: q.Get("execution_id"),
		Action:      q.Get("action"),
		Category:    audit.Category(q.Get("category")),
		Severity:    audit.Severity(q.Get("severity")),
		Cursor:      q.Get("cursor"),
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for name, dst := range map[string]**time.Time{"after": &f.After, "before": &f.Before} {
		s := q.Get(name)
		if s == "" {
			continue
		}
		t, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			writeError(w, http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
			return
		}
		*dst = &t
	}

	page, err := h.Audit.Query(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "no audit entries")
		return
	}
	if page.Entries == nil {
		page.Entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, page)
}

// GetBudget handles GET /api/v1/budget.
func (h *Handlers) GetBudget(w http.ResponseWriter, r *http.Request) {
	d, err := h.Budget.CanExecute(r.Context(), caller(r))
	if err != nil {
		writeDomainError(w, err, "budget not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// SetBudgetLimits handles PUT /api/v1/budget/limits.
func (h *Handlers) SetBudgetLimits(w http.ResponseWriter, r *http.Request) {
	l, ok := readJSON[budget.Limits](w, r, false)
	if !ok {
		return
	}
	l.UserID = caller(r)
	if err := h.Budget.SetLimits(r.Context(), &l); err != nil {
		writeDomainError(w, err, "budget not found")
		return
	}
	writeJSON(w, http.StatusOK, l)
}
