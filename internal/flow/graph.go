package flow

import (
	"fmt"
)

// refsOf extracts every OutputRef among a job's args.
func refsOf(j *Job) []OutputRef {
	var refs []OutputRef
	for _, arg := range j.Args {
		if ref, ok := arg.(OutputRef); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Validate checks a flow for structural errors: missing run functions,
// duplicate job UUIDs, references to jobs outside the flow, and dependency
// cycles. The known set carries job UUIDs that already completed in an
// enclosing flow, which detour flows are allowed to reference.
func (f *Flow) Validate(known map[string]bool) error {
	if len(f.Jobs) == 0 {
		return fmt.Errorf("flow %q has no jobs", f.Name)
	}

	jobs := make(map[string]*Job, len(f.Jobs))
	for _, j := range f.Jobs {
		if j.UUID == "" {
			return fmt.Errorf("flow %q: job %q has empty uuid", f.Name, j.Name)
		}
		if j.Run == nil {
			return fmt.Errorf("flow %q: job %q has no run function", f.Name, j.Name)
		}
		if _, dup := jobs[j.UUID]; dup {
			return fmt.Errorf("flow %q: duplicate job uuid %s", f.Name, j.UUID)
		}
		jobs[j.UUID] = j
	}

	resolvable := func(id string) bool {
		if _, ok := jobs[id]; ok {
			return true
		}
		return known[id]
	}
	for _, j := range f.Jobs {
		for _, ref := range refsOf(j) {
			if !resolvable(ref.JobUUID) {
				return fmt.Errorf("flow %q: job %q references unknown job %s", f.Name, j.Name, ref.JobUUID)
			}
		}
	}
	if ref, ok := f.Output.(OutputRef); ok && !resolvable(ref.JobUUID) {
		return fmt.Errorf("flow %q: output references unknown job %s", f.Name, ref.JobUUID)
	}

	if hasCycle(jobs) {
		return fmt.Errorf("flow %q: circular job dependency detected", f.Name)
	}
	return nil
}

// hasCycle runs DFS with color marking over the dependency edges.
func hasCycle(jobs map[string]*Job) bool {
	const (
		white = 0 // not visited
		gray  = 1 // visiting
		black = 2 // visited
	)

	// edges: job -> jobs it depends on (within this set).
	edges := make(map[string][]string, len(jobs))
	for id, j := range jobs {
		for _, ref := range refsOf(j) {
			if _, ok := jobs[ref.JobUUID]; ok {
				edges[id] = append(edges[id], ref.JobUUID)
			}
		}
	}

	colors := make(map[string]int, len(jobs))
	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray
		for _, dep := range edges[node] {
			if colors[dep] == gray {
				return true // back edge = cycle
			}
			if colors[dep] == white && dfs(dep) {
				return true
			}
		}
		colors[node] = black
		return false
	}

	for id := range jobs {
		if colors[id] == white {
			if dfs(id) {
				return true
			}
		}
	}
	return false
}
