package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/port/action"
)

// Local action names handled by Executor.
const (
	ActionReadFile   = "read_file"
	ActionWriteFile  = "write_file"
	ActionDeleteFile = "delete_file"
)

type fileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Executor runs file actions directly against the workspace. It is used
// when no NATS worker pool is configured. Every change records the prior
// content so the step can be reversed.
type Executor struct {
	files *Files
}

var _ action.Executor = (*Executor)(nil)

// NewExecutor creates a local executor over files.
func NewExecutor(files *Files) *Executor {
	return &Executor{files: files}
}

// Execute runs one file action.
func (x *Executor) Execute(ctx context.Context, req action.Request) (action.Outcome, error) {
	var in fileInput
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return action.Outcome{}, fmt.Errorf("decode %s input: %w", req.Action, domain.ErrValidation)
		}
	}

	switch req.Action {
	case ActionReadFile:
		snap, err := x.files.Snapshot(ctx, req.ProjectID, in.Path)
		if err != nil {
			return action.Outcome{}, err
		}
		if !snap.Existed {
			return action.Outcome{}, fmt.Errorf("read %s: %w", snap.Path, fs.ErrNotExist)
		}
		out, _ := json.Marshal(map[string]any{"path": snap.Path, "content": string(snap.PriorContent)})
		return action.Outcome{Output: out}, nil

	case ActionWriteFile:
		prior, err := x.files.Snapshot(ctx, req.ProjectID, in.Path)
		if err != nil {
			return action.Outcome{}, err
		}
		next := checkpoint.FileSnapshot{Path: prior.Path, PriorContent: []byte(in.Content), Existed: true}
		if err := x.files.Restore(ctx, req.ProjectID, next); err != nil {
			return action.Outcome{}, err
		}
		change := prior
		change.Action = "create"
		if prior.Existed {
			change.Action = "modify"
		}
		change.Size = int64(len(in.Content))
		out, _ := json.Marshal(map[string]any{"path": prior.Path, "bytes": len(in.Content)})
		return action.Outcome{Output: out, Files: []checkpoint.FileSnapshot{change}}, nil

	case ActionDeleteFile:
		prior, err := x.files.Snapshot(ctx, req.ProjectID, in.Path)
		if err != nil {
			return action.Outcome{}, err
		}
		if !prior.Existed {
			return action.Outcome{}, fmt.Errorf("delete %s: %w", prior.Path, fs.ErrNotExist)
		}
		if err := x.files.Restore(ctx, req.ProjectID, checkpoint.FileSnapshot{Path: prior.Path}); err != nil {
			return action.Outcome{}, err
		}
		change := prior
		change.Action = "delete"
		change.Size = 0
		out, _ := json.Marshal(map[string]any{"path": prior.Path, "deleted": true})
		return action.Outcome{Output: out, Files: []checkpoint.FileSnapshot{change}}, nil
	}
	return action.Outcome{}, fmt.Errorf("no local handler for action %q", req.Action)
}
