// Package workspace implements rooted file access to project working trees.
// Every path is resolved through an os.Root so nothing outside the
// project directory can be read or written.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Strob0t/agentengine/internal/domain"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/port/workspace"
)

var projectIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Files reads and restores files below <root>/<projectID>.
type Files struct {
	root string
}

var _ workspace.Files = (*Files)(nil)

// NewFiles creates a Files rooted at root.
func NewFiles(root string) *Files {
	return &Files{root: root}
}

// Snapshot captures the current content of p.
func (f *Files) Snapshot(_ context.Context, projectID, p string) (checkpoint.FileSnapshot, error) {
	rel, err := cleanPath(p)
	if err != nil {
		return checkpoint.FileSnapshot{}, err
	}
	r, err := f.open(projectID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return checkpoint.FileSnapshot{Path: rel, Action: "snapshot"}, nil
		}
		return checkpoint.FileSnapshot{}, err
	}
	defer func() { _ = r.Close() }()

	data, err := r.ReadFile(rel)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return checkpoint.FileSnapshot{Path: rel, Action: "snapshot"}, nil
	case err != nil:
		return checkpoint.FileSnapshot{}, fmt.Errorf("read %s: %w", rel, err)
	}
	return checkpoint.FileSnapshot{
		Path:         rel,
		PriorContent: data,
		Existed:      true,
		Action:       "snapshot",
		Size:         int64(len(data)),
	}, nil
}

// Restore writes the snapshot content back, or removes the file when the
// snapshot records that it did not exist.
func (f *Files) Restore(_ context.Context, projectID string, snap checkpoint.FileSnapshot) error {
	rel, err := cleanPath(snap.Path)
	if err != nil {
		return err
	}
	if err := f.ensureProject(projectID); err != nil {
		return err
	}
	r, err := f.open(projectID)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if !snap.Existed {
		if err := r.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", rel, err)
		}
		return nil
	}
	if dir := path.Dir(rel); dir != "." {
		if err := r.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	if err := r.WriteFile(rel, snap.PriorContent, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", rel, err)
	}
	return nil
}

func (f *Files) projectDir(projectID string) (string, error) {
	if projectID == "" {
		return f.root, nil
	}
	if !projectIDPattern.MatchString(projectID) {
		return "", fmt.Errorf("invalid project id %q: %w", projectID, domain.ErrValidation)
	}
	return filepath.Join(f.root, projectID), nil
}

func (f *Files) ensureProject(projectID string) error {
	dir, err := f.projectDir(projectID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", projectID, err)
	}
	return nil
}

func (f *Files) open(projectID string) (*os.Root, error) {
	dir, err := f.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	r, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", projectID, err)
	}
	return r, nil
}

// cleanPath normalizes p to a slash-separated path relative to the
// workspace. Absolute paths and paths that climb out are rejected.
func cleanPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path: %w", domain.ErrValidation)
	}
	p = filepath.ToSlash(p)
	if path.IsAbs(p) || filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute path %q rejected: %w", p, domain.ErrValidation)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal rejected: %s: %w", p, domain.ErrValidation)
	}
	return clean, nil
}
