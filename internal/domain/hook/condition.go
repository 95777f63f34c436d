package hook

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

// Condition narrows when a hook fires. Every declared clause must hold.
type Condition struct {
	AgentTypes      []string `json:"agent_types,omitempty" yaml:"agent_types"`
	FilePatterns    []string `json:"file_patterns,omitempty" yaml:"file_patterns"`
	MessagePatterns []string `json:"message_patterns,omitempty" yaml:"message_patterns"`
	ConfidenceBelow *float64 `json:"confidence_below,omitempty" yaml:"confidence_below"`
	MinFileBytes    int64    `json:"min_file_bytes,omitempty" yaml:"min_file_bytes"`
}

// Matches evaluates the condition against a hook context. A nil condition
// always matches. Clauses whose input is missing from the context are
// treated as satisfied.
func (c *Condition) Matches(ctx *Context) bool {
	if c == nil {
		return true
	}
	if len(c.AgentTypes) > 0 && !slices.Contains(c.AgentTypes, ctx.AgentType) {
		return false
	}
	if len(c.FilePatterns) > 0 && len(ctx.Files) > 0 && !anyFileMatches(c.FilePatterns, ctx.Files) {
		return false
	}
	if len(c.MessagePatterns) > 0 && !anyMessageMatches(c.MessagePatterns, ctx.Message) {
		return false
	}
	if c.ConfidenceBelow != nil && ctx.Confidence != nil && *ctx.Confidence >= *c.ConfidenceBelow {
		return false
	}
	if c.MinFileBytes > 0 && len(ctx.FileSizes) > 0 && len(LargeFiles(ctx, c.MinFileBytes)) == 0 {
		return false
	}
	return true
}

// LargeFiles returns the files in ctx whose size is at least min bytes.
func LargeFiles(ctx *Context, min int64) []string {
	var out []string
	for _, f := range ctx.Files {
		if ctx.FileSizes[f] >= min {
			out = append(out, f)
		}
	}
	return out
}

// MatchGlob matches a pattern against a full path or its base name.
// A leading "**/" matches any directory prefix.
func MatchGlob(pattern, path string) bool {
	path = filepath.ToSlash(path)
	if ok, _ := filepath.Match(pattern, path); ok {
		return true
	}
	if ok, _ := filepath.Match(pattern, filepath.Base(path)); ok {
		return true
	}
	if rest, found := strings.CutPrefix(pattern, "**/"); found {
		parts := strings.Split(path, "/")
		for i := range parts {
			if ok, _ := filepath.Match(rest, strings.Join(parts[i:], "/")); ok {
				return true
			}
		}
	}
	return false
}

func anyFileMatches(patterns, files []string) bool {
	for _, f := range files {
		for _, p := range patterns {
			if MatchGlob(p, f) {
				return true
			}
		}
	}
	return false
}

func anyMessageMatches(patterns []string, msg string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue
		}
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}
