package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{{ID: "a"}, {ID: "a"}}}
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate task id")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{{ID: "a", Deps: []string{"missing"}}}}
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestValidateRejectsEmptyAcceptanceCmd(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{{ID: "a", Acceptance: []AcceptanceCheck{{Cmd: ""}}}}}
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing cmd")
}

func TestValidateRejectsCycle(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{
		{ID: "a", Deps: []string{"b"}},
		{ID: "b", Deps: []string{"a"}},
	}}
	err := g.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{
		{ID: "a"},
		{ID: "b", Deps: []string{"a"}, Acceptance: []AcceptanceCheck{{Cmd: "pytest"}}},
	}}
	assert.NoError(t, g.Validate())
}

func TestTopologicalOrderRanksByDependencyThenPriorityThenID(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{
		{ID: "c", Priority: 1},
		{ID: "b", Priority: 0},
		{ID: "a", Priority: 0, Deps: []string{"b", "c"}},
	}}
	ranks, err := TopologicalOrder(g)
	require.NoError(t, err)
	require.Len(t, ranks, 2)
	assert.Equal(t, []string{"b", "c"}, ranks[0])
	assert.Equal(t, []string{"a"}, ranks[1])
}

func TestTaskByIDIndexesAllTasks(t *testing.T) {
	g := &TaskGraph{Tasks: []Task{{ID: "a"}, {ID: "b"}}}
	idx := g.TaskByID()
	require.Contains(t, idx, "a")
	require.Contains(t, idx, "b")
	assert.Equal(t, "a", idx["a"].ID)
}

func TestIsBranchReflectsParentID(t *testing.T) {
	root := Task{ID: "a"}
	branch := Task{ID: "a_branch_0", ParentID: "a"}
	assert.False(t, root.IsBranch())
	assert.True(t, branch.IsBranch())
}

func TestFailureRoutingReadsMetadataOverride(t *testing.T) {
	task := Task{Metadata: map[string]any{
		"failure_routing": map[string]any{"spec_mismatch": "implement"},
	}}
	routing := task.FailureRouting()
	require.NotNil(t, routing)
	assert.Equal(t, "implement", routing["spec_mismatch"])
}

func TestFailureRoutingNilWithoutMetadata(t *testing.T) {
	task := Task{}
	assert.Nil(t, task.FailureRouting())
}
