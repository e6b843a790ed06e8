// Package taskgraph defines the TaskGraph/Task data model: the immutable
// input to the scheduler, loadable from YAML/JSON and validated against a
// JSON Schema sidecar plus the admission invariants below.
package taskgraph

import (
	"fmt"
	"sort"
	"time"
)

// BranchReason classifies why a branch task was synthesized.
type BranchReason string

const (
	BranchImplementationBug BranchReason = "implementation_bug"
	BranchSpecMismatch      BranchReason = "spec_mismatch"
	BranchTimeout           BranchReason = "timeout"
	BranchMissingDependency BranchReason = "missing_dependency"
	BranchFlakyTest         BranchReason = "flaky_test"
	BranchUnknown           BranchReason = "unknown"
)

// AcceptanceCheck is a single test-command descriptor.
type AcceptanceCheck struct {
	Cmd               string   `yaml:"cmd" json:"cmd"`
	Timeout           int      `yaml:"timeout" json:"timeout"`
	ExpectedArtifacts []string `yaml:"expected_artifacts,omitempty" json:"expected_artifacts,omitempty"`
}

// Task is a single node in a TaskGraph.
type Task struct {
	ID          string            `yaml:"id" json:"id"`
	Title       string            `yaml:"title" json:"title"`
	Description string            `yaml:"description" json:"description"`
	Role        string            `yaml:"role" json:"role"`
	Priority    int               `yaml:"priority" json:"priority"`
	Deps        []string          `yaml:"deps" json:"deps"`
	Acceptance  []AcceptanceCheck `yaml:"acceptance" json:"acceptance"`
	MaxRetries  int               `yaml:"max_retries" json:"max_retries"`
	Timeout     time.Duration     `yaml:"timeout" json:"timeout"`

	// Branch fields. Older task graphs lack these; admission tolerates
	// their absence.
	ParentID     string       `yaml:"parent_id,omitempty" json:"parent_id,omitempty"`
	BranchReason BranchReason `yaml:"branch_reason,omitempty" json:"branch_reason,omitempty"`
	DebugDepth   int          `yaml:"debug_depth" json:"debug_depth"`

	Metadata map[string]any `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// IsBranch reports whether t was synthesized as a repair branch.
func (t *Task) IsBranch() bool { return t.ParentID != "" }

// FailureRouting returns the task's class→role override map, if any, from
// its metadata's "failure_routing" entry.
func (t *Task) FailureRouting() map[string]string {
	raw, ok := t.Metadata["failure_routing"]
	if !ok {
		return nil
	}
	routing, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(routing))
	for k, v := range routing {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Fixtures returns the task's fixture file paths, if any, from its
// metadata's "fixtures" entry.
func (t *Task) Fixtures() []string {
	raw, ok := t.Metadata["fixtures"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// TaskGraph is the immutable input to the scheduler.
type TaskGraph struct {
	GraphID   string    `yaml:"graph_id" json:"graph_id"`
	Name      string    `yaml:"name" json:"name"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	Tasks     []Task    `yaml:"tasks" json:"tasks"`
}

// TaskByID indexes the graph's tasks by ID for O(1) lookup.
func (g *TaskGraph) TaskByID() map[string]*Task {
	idx := make(map[string]*Task, len(g.Tasks))
	for i := range g.Tasks {
		idx[g.Tasks[i].ID] = &g.Tasks[i]
	}
	return idx
}

// Validate checks the admission invariants: unique task IDs, every
// dependency references an existing task, acceptance descriptors
// well-formed, and the dependency edges form a DAG (via topological sort).
func (g *TaskGraph) Validate() error {
	seen := make(map[string]bool, len(g.Tasks))
	for _, t := range g.Tasks {
		if t.ID == "" {
			return fmt.Errorf("taskgraph: task with empty id")
		}
		if seen[t.ID] {
			return fmt.Errorf("taskgraph: duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range g.Tasks {
		for _, dep := range t.Deps {
			if !seen[dep] {
				return fmt.Errorf("taskgraph: task %q depends on unknown task %q", t.ID, dep)
			}
		}
		for i, acc := range t.Acceptance {
			if acc.Cmd == "" {
				return fmt.Errorf("taskgraph: task %q acceptance[%d] missing cmd", t.ID, i)
			}
		}
	}
	if _, err := TopologicalOrder(g); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder computes Kahn's-algorithm topological ranks, returning
// tasks grouped by rank (all tasks in a rank have no unsatisfied deps among
// tasks in earlier ranks). Within a rank, callers order by Priority ascending
// then ID. Returns an error if the graph has a cycle.
func TopologicalOrder(g *TaskGraph) ([][]string, error) {
	idx := g.TaskByID()
	indegree := make(map[string]int, len(g.Tasks))
	dependents := make(map[string][]string, len(g.Tasks))
	for _, t := range g.Tasks {
		indegree[t.ID] = len(t.Deps)
		for _, dep := range t.Deps {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var ranks [][]string
	remaining := len(g.Tasks)
	current := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool {
			ti, tj := idx[current[i]], idx[current[j]]
			if ti.Priority != tj.Priority {
				return ti.Priority < tj.Priority
			}
			return ti.ID < tj.ID
		})
		ranks = append(ranks, current)
		remaining -= len(current)

		var next []string
		for _, id := range current {
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		current = next
	}

	if remaining > 0 {
		return nil, fmt.Errorf("taskgraph: dependency cycle detected among remaining tasks")
	}
	return ranks, nil
}
