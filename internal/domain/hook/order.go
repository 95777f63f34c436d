package hook

import "sort"

// Chain returns the enabled hooks for a lifecycle point in a project, in
// execution order: ascending priority, ties broken by registration order.
func Chain(hooks []Hook, lc Lifecycle, projectID string) []Hook {
	var out []Hook
	for i := range hooks {
		h := &hooks[i]
		if !h.Enabled || h.Lifecycle != lc || !h.AppliesTo(projectID) {
			continue
		}
		out = append(out, *h)
	}
	SortByPriority(out)
	return out
}

// SortByPriority orders hooks by priority, then registration sequence.
func SortByPriority(hooks []Hook) {
	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].Priority != hooks[j].Priority {
			return hooks[i].Priority < hooks[j].Priority
		}
		return hooks[i].Seq < hooks[j].Seq
	})
}
