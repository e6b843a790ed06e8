package taskgraph

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genDAG builds an n-task graph where task i may only depend on tasks with
// a lower index, guaranteeing acyclicity by construction, with a priority
// drawn from a small range so ties are exercised.
func genDAG(n int, seed int64) *TaskGraph {
	r := rand.New(rand.NewSource(seed))
	g := &TaskGraph{GraphID: "prop", Tasks: make([]Task, n)}
	for i := 0; i < n; i++ {
		var deps []string
		for j := 0; j < i; j++ {
			if r.Intn(3) == 0 {
				deps = append(deps, fmt.Sprintf("t%d", j))
			}
		}
		g.Tasks[i] = Task{
			ID:         fmt.Sprintf("t%d", i),
			Role:       "implement",
			Priority:   r.Intn(5),
			Deps:       deps,
			Acceptance: []AcceptanceCheck{{Cmd: "true"}},
		}
	}
	return g
}

// TestTopologicalOrderRespectsDependenciesProperty checks, for randomly
// generated DAGs of varying size, that every dependency ranks strictly
// before its dependent and that ranks are internally sorted by priority
// then ID.
func TestTopologicalOrderRespectsDependenciesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every dependency ranks before its dependent", prop.ForAll(
		func(n int, seed int64) bool {
			g := genDAG(n, seed)
			ranks, err := TopologicalOrder(g)
			if err != nil {
				return false
			}
			rankOf := make(map[string]int, n)
			for i, rank := range ranks {
				for _, id := range rank {
					rankOf[id] = i
				}
			}
			for _, task := range g.Tasks {
				for _, dep := range task.Deps {
					if rankOf[dep] >= rankOf[task.ID] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.Int64Range(0, 1<<30),
	))

	properties.Property("every rank is sorted by priority then id", prop.ForAll(
		func(n int, seed int64) bool {
			g := genDAG(n, seed)
			ranks, err := TopologicalOrder(g)
			if err != nil {
				return false
			}
			byID := g.TaskByID()
			for _, rank := range ranks {
				for i := 1; i < len(rank); i++ {
					prev, cur := byID[rank[i-1]], byID[rank[i]]
					if prev.Priority > cur.Priority {
						return false
					}
					if prev.Priority == cur.Priority && prev.ID > cur.ID {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 30),
		gen.Int64Range(0, 1<<30),
	))

	properties.Property("every generated task appears in exactly one rank", prop.ForAll(
		func(n int, seed int64) bool {
			g := genDAG(n, seed)
			ranks, err := TopologicalOrder(g)
			if err != nil {
				return false
			}
			seen := make(map[string]bool, n)
			count := 0
			for _, rank := range ranks {
				for _, id := range rank {
					if seen[id] {
						return false
					}
					seen[id] = true
					count++
				}
			}
			return count == n
		},
		gen.IntRange(0, 30),
		gen.Int64Range(0, 1<<30),
	))

	properties.TestingRun(t)
}
