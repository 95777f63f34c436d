// Package checkpoint defines immutable point-in-time snapshots of an
// execution and the reversal data needed to roll back to them.
package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/execution"
)

// DefaultRetention is the number of automatic checkpoints kept per execution.
const DefaultRetention = 10

// FileSnapshot records a file's content at checkpoint time.
type FileSnapshot = execution.FileChange

// DBChange is a reversible database change.
type DBChange = execution.DBChange

// StateSnapshot is the serialized execution state held by a checkpoint.
type StateSnapshot struct {
	State         execution.State  `json:"state"`
	CurrentStep   int              `json:"current_step"`
	Steps         []execution.Step `json:"steps"`
	Context       json.RawMessage  `json:"context,omitempty"`
	ModifiedFiles []string         `json:"modified_files,omitempty"`
}

// RollbackData is the reversal payload of a checkpoint.
type RollbackData struct {
	Files []FileSnapshot `json:"files,omitempty"`
	DB    []DBChange     `json:"db,omitempty"`
}

// Checkpoint is an immutable snapshot taken at a step boundary.
type Checkpoint struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id"`
	StepNumber  int           `json:"step_number"`
	Description string        `json:"description"`
	State       StateSnapshot `json:"state"`
	Rollback    RollbackData  `json:"rollback"`
	Automatic   bool          `json:"automatic"`
	Digest      string        `json:"digest"`
	CreatedAt   time.Time     `json:"created_at"`
}

// CreateRequest holds the parameters for a manual checkpoint.
type CreateRequest struct {
	Description string `json:"description"`
}

// SnapshotOf captures a deep copy of the restorable parts of e.
func SnapshotOf(e *execution.Execution) StateSnapshot {
	c := e.Clone()
	return StateSnapshot{
		State:         c.State,
		CurrentStep:   c.CurrentStep,
		Steps:         c.Steps,
		Context:       c.Context,
		ModifiedFiles: c.ModifiedFiles,
	}
}

// Restore overwrites the ledger, cursor, context and file list of e with
// the snapshot. The lifecycle state is left for the caller to set.
func (s *StateSnapshot) Restore(e *execution.Execution) {
	tmp := execution.Execution{
		Steps:         s.Steps,
		Context:       s.Context,
		ModifiedFiles: s.ModifiedFiles,
	}
	c := tmp.Clone()
	e.CurrentStep = s.CurrentStep
	e.Steps = c.Steps
	e.Context = c.Context
	e.ModifiedFiles = c.ModifiedFiles
}

// ComputeDigest returns the hex BLAKE2b-256 digest over the serialized
// state snapshot and rollback payload.
func (c *Checkpoint) ComputeDigest() (string, error) {
	state, err := json.Marshal(c.State)
	if err != nil {
		return "", fmt.Errorf("marshal state: %w", err)
	}
	rb, err := json.Marshal(c.Rollback)
	if err != nil {
		return "", fmt.Errorf("marshal rollback: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write(state)
	h.Write([]byte{0})
	h.Write(rb)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Seal computes and stores the digest.
func (c *Checkpoint) Seal() error {
	d, err := c.ComputeDigest()
	if err != nil {
		return err
	}
	c.Digest = d
	return nil
}

// Verify checks that the stored digest matches the content.
func (c *Checkpoint) Verify() error {
	d, err := c.ComputeDigest()
	if err != nil {
		return err
	}
	if d != c.Digest {
		return fmt.Errorf("checkpoint %s digest mismatch: %w", c.ID, domain.ErrInvalidState)
	}
	return nil
}

// SortNewestFirst orders checkpoints by step number, then creation time,
// descending.
func SortNewestFirst(cps []Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if cps[i].StepNumber != cps[j].StepNumber {
			return cps[i].StepNumber > cps[j].StepNumber
		}
		return cps[i].CreatedAt.After(cps[j].CreatedAt)
	})
}

// Expired returns the ids of automatic checkpoints beyond the newest keep.
// Manual checkpoints are never returned.
func Expired(cps []Checkpoint, keep int) []string {
	if keep <= 0 {
		keep = DefaultRetention
	}
	sorted := append([]Checkpoint(nil), cps...)
	SortNewestFirst(sorted)

	var ids []string
	seen := 0
	for i := range sorted {
		if !sorted[i].Automatic {
			continue
		}
		seen++
		if seen > keep {
			ids = append(ids, sorted[i].ID)
		}
	}
	return ids
}

// Reversal collects the changes journaled by steps after the given step
// number, newest first, so they can be undone in reverse order.
func Reversal(steps []execution.Step, after int) RollbackData {
	var rd RollbackData
	for i := len(steps) - 1; i >= 0; i-- {
		s := &steps[i]
		if s.Sequence <= after || s.Changes.Empty() {
			continue
		}
		for j := len(s.Changes.Files) - 1; j >= 0; j-- {
			rd.Files = append(rd.Files, s.Changes.Files[j])
		}
		for j := len(s.Changes.DB) - 1; j >= 0; j-- {
			rd.DB = append(rd.DB, s.Changes.DB[j])
		}
	}
	return rd
}

// CollectDB returns every DB change recorded by steps up to and including
// the given step number, in execution order.
func CollectDB(steps []execution.Step, upTo int) []DBChange {
	var out []DBChange
	for i := range steps {
		if steps[i].Sequence > upTo || steps[i].Changes.Empty() {
			continue
		}
		out = append(out, steps[i].Changes.DB...)
	}
	return out
}

// Rollbackable reports whether an execution in state s may be rolled back.
func Rollbackable(s execution.State) error {
	switch s {
	case execution.StatePaused, execution.StateAwaitingConfirmation:
		return nil
	case execution.StateRunning:
		return fmt.Errorf("execution is running, pause it first: %w", domain.ErrInvalidState)
	default:
		return fmt.Errorf("cannot roll back execution in state %s: %w", s, domain.ErrInvalidState)
	}
}
