// Package workspace defines file access to a project's working tree for
// checkpoint snapshots and rollback.
package workspace

import (
	"context"

	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
)

// Files reads and restores files under a project's workspace.
type Files interface {
	// Snapshot captures the current content of path. A missing file yields
	// a snapshot with Existed=false.
	Snapshot(ctx context.Context, projectID, path string) (checkpoint.FileSnapshot, error)
	// Restore writes the snapshot's content back, or removes the file when
	// the snapshot records that it did not exist.
	Restore(ctx context.Context, projectID string, fs checkpoint.FileSnapshot) error
}
