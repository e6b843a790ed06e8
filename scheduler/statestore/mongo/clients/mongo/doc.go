package mongo

import (
	"time"

	"github.com/goforge/forge/scheduler"
	"github.com/goforge/forge/taskgraph"
)

// workflowDocument is the Mongo wire shape for a scheduler.Workflow
// snapshot. Task and TaskState values round-trip through the driver's
// default (lowercased-field-name) bson marshaling; only the top-level
// document carries explicit tags, since those are the fields queried on.
type workflowDocument struct {
	WorkflowID     string                         `bson:"workflow_id"`
	GraphID        string                         `bson:"graph_id"`
	CorrelationID  string                         `bson:"correlation_id,omitempty"`
	CreatedAt      time.Time                      `bson:"created_at"`
	Status         scheduler.WorkflowStatus       `bson:"status"`
	Graph          taskgraph.TaskGraph            `bson:"graph"`
	TaskStates     map[string]scheduler.TaskState `bson:"task_states"`
	BranchCounters map[string]int                 `bson:"branch_counters,omitempty"`
}

func fromWorkflow(wf *scheduler.Workflow) (workflowDocument, error) {
	states := make(map[string]scheduler.TaskState, len(wf.TaskStates))
	for id, st := range wf.TaskStates {
		states[id] = *st
	}
	return workflowDocument{
		WorkflowID:     wf.WorkflowID,
		GraphID:        wf.GraphID,
		CorrelationID:  wf.CorrelationID,
		CreatedAt:      wf.CreatedAt.UTC(),
		Status:         wf.Status,
		Graph:          *wf.Graph,
		TaskStates:     states,
		BranchCounters: wf.BranchCounters,
	}, nil
}

func (doc workflowDocument) toWorkflow() (*scheduler.Workflow, error) {
	graph := doc.Graph
	states := make(map[string]*scheduler.TaskState, len(doc.TaskStates))
	for id, st := range doc.TaskStates {
		st := st
		states[id] = &st
	}
	branchCounters := doc.BranchCounters
	if branchCounters == nil {
		branchCounters = make(map[string]int)
	}
	return scheduler.RehydrateWorkflow(scheduler.WorkflowSnapshot{
		WorkflowID:     doc.WorkflowID,
		GraphID:        doc.GraphID,
		CorrelationID:  doc.CorrelationID,
		CreatedAt:      doc.CreatedAt,
		Status:         doc.Status,
		Graph:          &graph,
		TaskStates:     states,
		BranchCounters: branchCounters,
	}), nil
}
