// Package classifier defines the port that flags proposed actions as
// sensitive (human confirmation) or risky (checkpoint first).
package classifier

import (
	"context"
	"encoding/json"
)

// Classification is the risk assessment of one action.
type Classification struct {
	Sensitive bool     `json:"sensitive"`
	Risky     bool     `json:"risky"`
	Reasons   []string `json:"reasons,omitempty"`
}

// Classifier assesses a proposed action.
type Classifier interface {
	Classify(ctx context.Context, action string, input json.RawMessage) (Classification, error)
}
