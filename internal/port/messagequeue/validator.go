package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var target any
	switch {
	case subject == SubjectActionResult:
		var p ActionResultPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.StepID == "" {
			return fmt.Errorf("schema validation failed for %s: step_id is required", subject)
		}
		return nil
	case subject == SubjectNotification:
		target = &NotificationPayload{}
	case strings.HasPrefix(subject, SubjectActionRequest+"."):
		target = &ActionRequestPayload{}
	case strings.HasPrefix(subject, SubjectExecutionEvents+"."):
		target = &ExecutionEventPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}
