package service

import (
	"encoding/json"
	"log/slog"
)

// mustJSON marshals v for audit details and event payloads. Values that
// cannot be encoded are logged and dropped.
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal payload", "error", err)
		return nil
	}
	return data
}
