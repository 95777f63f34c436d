package hook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FilePrefix namespaces ids derived for file-defined hooks without an id.
const FilePrefix = "file:"

// fileHook is the on-disk shape of one hook. Enabled defaults to true.
type fileHook struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Lifecycle   Lifecycle  `yaml:"lifecycle"`
	Action      ActionType `yaml:"action"`
	Enabled     *bool      `yaml:"enabled"`
	Priority    int        `yaml:"priority"`
	Condition   *Condition `yaml:"condition"`
	Payload     string     `yaml:"payload"`
	ProjectID   string     `yaml:"project_id"`
}

// fileSet lets a file hold either a single hook or a "hooks" list.
type fileSet struct {
	Hooks []fileHook `yaml:"hooks"`
}

func (f *fileHook) toHook() Hook {
	enabled := true
	if f.Enabled != nil {
		enabled = *f.Enabled
	}
	id := f.ID
	if id == "" {
		id = FilePrefix + strings.ToLower(strings.Join(strings.Fields(f.Name), "-"))
	}
	return Hook{
		ID:          id,
		Name:        f.Name,
		Description: f.Description,
		Lifecycle:   f.Lifecycle,
		Action:      f.Action,
		Enabled:     enabled,
		Priority:    f.Priority,
		Condition:   f.Condition,
		Payload:     f.Payload,
		ProjectID:   f.ProjectID,
		Origin:      OriginUser,
	}
}

// LoadFromFile reads the hooks defined in a YAML file.
func LoadFromFile(path string) ([]Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hook file %s: %w", path, err)
	}

	var set fileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse hook file %s: %w", path, err)
	}
	if len(set.Hooks) == 0 {
		var single fileHook
		if err := yaml.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("parse hook file %s: %w", path, err)
		}
		set.Hooks = []fileHook{single}
	}

	hooks := make([]Hook, 0, len(set.Hooks))
	for i := range set.Hooks {
		h := set.Hooks[i].toHook()
		if err := h.Validate(); err != nil {
			return nil, fmt.Errorf("validate hook %q in %s: %w", h.Name, path, err)
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}

// LoadFromDirectory reads all .yaml/.yml files in dir. A missing directory
// yields no hooks.
func LoadFromDirectory(dir string) ([]Hook, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read hook directory %s: %w", dir, err)
	}

	var hooks []Hook
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		hs, err := LoadFromFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hs...)
	}
	return hooks, nil
}
