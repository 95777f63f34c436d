package hook

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Strob0t/agentengine/internal/domain"
)

var validLifecycles = map[Lifecycle]bool{
	PreExecution:  true,
	PostExecution: true,
	OnFileChange:  true,
	OnError:       true,
	OnApproval:    true,
	OnCheckpoint:  true,
}

var validActions = map[ActionType]bool{
	ActionValidate:  true,
	ActionTransform: true,
	ActionNotify:    true,
	ActionLog:       true,
	ActionExecute:   true,
	ActionGuard:     true,
}

// ValidLifecycle reports whether l names a known lifecycle point.
func ValidLifecycle(l Lifecycle) bool { return validLifecycles[l] }

// Validate checks a hook definition.
func (h *Hook) Validate() error {
	if h.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if !validLifecycles[h.Lifecycle] {
		return fmt.Errorf("invalid lifecycle %q: %w", h.Lifecycle, domain.ErrValidation)
	}
	if !validActions[h.Action] {
		return fmt.Errorf("invalid action %q: %w", h.Action, domain.ErrValidation)
	}
	if h.Priority < 0 || h.Priority > 100 {
		return fmt.Errorf("priority must be between 0 and 100: %w", domain.ErrValidation)
	}
	if h.Origin != OriginBuiltin && strings.HasPrefix(h.ID, BuiltinPrefix) {
		return fmt.Errorf("id prefix %q is reserved: %w", BuiltinPrefix, domain.ErrValidation)
	}
	if (h.Action == ActionValidate || h.Action == ActionTransform) && h.Payload == "" && h.Rule == "" {
		return fmt.Errorf("%s hooks require a payload: %w", h.Action, domain.ErrValidation)
	}
	if ref, ok := h.ScriptRef(); ok && (ref == "" || strings.ContainsAny(ref, `/\`) || strings.Contains(ref, "..")) {
		return fmt.Errorf("invalid script reference %q: %w", ref, domain.ErrValidation)
	}
	return h.Condition.Validate()
}

// Validate checks that the patterns and thresholds of a condition are usable.
func (c *Condition) Validate() error {
	if c == nil {
		return nil
	}
	for _, p := range c.FilePatterns {
		if _, err := filepath.Match(p, ""); err != nil {
			return fmt.Errorf("invalid file pattern %q: %w", p, domain.ErrValidation)
		}
	}
	for _, p := range c.MessagePatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid message pattern %q: %w", p, domain.ErrValidation)
		}
	}
	if c.ConfidenceBelow != nil && (*c.ConfidenceBelow < 0 || *c.ConfidenceBelow > 1) {
		return fmt.Errorf("confidence_below must be between 0 and 1: %w", domain.ErrValidation)
	}
	if c.MinFileBytes < 0 {
		return fmt.Errorf("min_file_bytes must be non-negative: %w", domain.ErrValidation)
	}
	return nil
}

// FromCreate builds a user hook from a create request.
func FromCreate(req *CreateRequest) Hook {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return Hook{
		Name:        req.Name,
		Description: req.Description,
		Lifecycle:   req.Lifecycle,
		Action:      req.Action,
		Enabled:     enabled,
		Priority:    req.Priority,
		Condition:   req.Condition,
		Payload:     req.Payload,
		ProjectID:   req.ProjectID,
		Origin:      OriginUser,
	}
}
