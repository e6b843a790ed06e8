// Package scheduler owns workflow execution: it loads a validated task
// graph, drives dependency-ordered dispatch through worker roles, consumes
// results from the event bus, and synthesizes branch tasks on failure.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goforge/forge/bus"
	"github.com/goforge/forge/forgeerrors"
	"github.com/goforge/forge/taskgraph"
	"github.com/goforge/forge/telemetry"
)

// ErrWorkflowNotFound is returned by StateStore implementations and
// Scheduler lookups when a workflow ID is unknown.
var ErrWorkflowNotFound = errors.New("scheduler: workflow not found")

// WorkflowStatus is the overall lifecycle state of a Workflow.
type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// TaskStatus is the lifecycle state of a single task within a workflow.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusRetrying   TaskStatus = "retrying"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// TaskState is the scheduler's mutable record for one task.
type TaskState struct {
	Status            TaskStatus
	Attempts          int
	StartedAt         time.Time
	FinishedAt        time.Time
	LastError         string
	LastResult        string
	ProducedArtifacts []string
}

// Workflow is the scheduler's owned, mutable execution record for a graph.
type Workflow struct {
	WorkflowID     string
	GraphID        string
	CorrelationID  string
	CreatedAt      time.Time
	Status         WorkflowStatus
	Graph          *taskgraph.TaskGraph
	TaskStates     map[string]*TaskState
	BranchCounters map[string]int // parent task ID -> next branch index
	taskIndex      map[string]*taskgraph.Task
}

// TaskByID looks up a task by ID within wf's graph, including any branch
// tasks synthesized after the workflow was created.
func (wf *Workflow) TaskByID(id string) (*taskgraph.Task, bool) {
	t, ok := wf.taskIndex[id]
	return t, ok
}

// addTask registers a synthesized branch task so future TaskByID/iteration
// over wf.Graph.Tasks see it.
func (wf *Workflow) addTask(t taskgraph.Task) {
	wf.Graph.Tasks = append(wf.Graph.Tasks, t)
	wf.taskIndex[t.ID] = &wf.Graph.Tasks[len(wf.Graph.Tasks)-1]
}

// WorkflowSnapshot is the plain-data view of a Workflow a StateStore
// implementation marshals to and from its backing storage.
type WorkflowSnapshot struct {
	WorkflowID     string
	GraphID        string
	CorrelationID  string
	CreatedAt      time.Time
	Status         WorkflowStatus
	Graph          *taskgraph.TaskGraph
	TaskStates     map[string]*TaskState
	BranchCounters map[string]int
}

// RehydrateWorkflow reconstructs a Workflow from a snapshot, rebuilding the
// task index a StateStore cannot serialize directly. Used by StateStore
// implementations that persist workflows outside the scheduler package.
func RehydrateWorkflow(snap WorkflowSnapshot) *Workflow {
	return &Workflow{
		WorkflowID:     snap.WorkflowID,
		GraphID:        snap.GraphID,
		CorrelationID:  snap.CorrelationID,
		CreatedAt:      snap.CreatedAt,
		Status:         snap.Status,
		Graph:          snap.Graph,
		TaskStates:     snap.TaskStates,
		BranchCounters: snap.BranchCounters,
		taskIndex:      snap.Graph.TaskByID(),
	}
}

// StateStore persists Workflow records. The reference implementation is
// in-process (MemoryStateStore); alternative implementations may persist
// to a key-value or relational store for cross-process durability.
type StateStore interface {
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	LoadWorkflow(ctx context.Context, workflowID string) (*Workflow, error)
	ListWorkflows(ctx context.Context) ([]*Workflow, error)
}

// Options configures a Scheduler.
type Options struct {
	Bus            bus.Bus
	Store          StateStore
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
	WorkerPoolSize int
	MaxBranchDepth int
	ResultTimeout  time.Duration
	BaseBackoff    time.Duration
}

// Scheduler drives task graphs to completion under dependency, retry, and
// branch rules. All public methods are safe for concurrent use.
type Scheduler struct {
	bus            bus.Bus
	store          StateStore
	logger         telemetry.Logger
	metrics        telemetry.Metrics
	workerPoolSize int
	maxBranchDepth int
	resultTimeout  time.Duration
	baseBackoff    time.Duration

	mu        sync.RWMutex
	workflows map[string]*Workflow
	cancelled map[string]bool

	pendingMu sync.Mutex
	pending   map[string]chan resultEnvelope // key: workflowID|taskID|attempt
}

type resultEnvelope struct {
	completed bool
	artifacts []string
	metrics   map[string]any
	failures  []string
	logsPath  string
}

// New constructs a Scheduler.
func New(opts Options) *Scheduler {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 4
	}
	if opts.MaxBranchDepth <= 0 {
		opts.MaxBranchDepth = 2
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = 5 * time.Minute
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	s := &Scheduler{
		bus:            opts.Bus,
		store:          opts.Store,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		workerPoolSize: opts.WorkerPoolSize,
		maxBranchDepth: opts.MaxBranchDepth,
		resultTimeout:  opts.ResultTimeout,
		baseBackoff:    opts.BaseBackoff,
		workflows:      make(map[string]*Workflow),
		cancelled:      make(map[string]bool),
		pending:        make(map[string]chan resultEnvelope),
	}
	if s.bus != nil {
		_, _ = s.bus.Subscribe(bus.ChannelResults, s.handleResult)
	}
	return s
}

// CreateWorkflow validates graph and registers a new workflow in status
// created.
func (s *Scheduler) CreateWorkflow(ctx context.Context, graph *taskgraph.TaskGraph, correlationID string) (string, error) {
	if err := graph.Validate(); err != nil {
		return "", forgeerrors.NewWithCause(forgeerrors.KindInvalidGraph, "invalid task graph", err)
	}

	workflowID := fmt.Sprintf("wf_%s_%d", graph.GraphID, time.Now().UnixNano())
	states := make(map[string]*TaskState, len(graph.Tasks))
	for _, t := range graph.Tasks {
		states[t.ID] = &TaskState{Status: TaskStatusPending}
	}

	wf := &Workflow{
		WorkflowID:     workflowID,
		GraphID:        graph.GraphID,
		CorrelationID:  correlationID,
		CreatedAt:      time.Now(),
		Status:         WorkflowStatusCreated,
		Graph:          graph,
		TaskStates:     states,
		BranchCounters: make(map[string]int),
		taskIndex:      graph.TaskByID(),
	}

	s.mu.Lock()
	s.workflows[workflowID] = wf
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.SaveWorkflow(ctx, wf); err != nil {
			return "", forgeerrors.NewWithCause(forgeerrors.KindNonRecoverable, "persist workflow failed", err)
		}
	}
	return workflowID, nil
}

// Cancel moves workflowID to cancelled; in-flight tasks are allowed to
// finish but their results are discarded, and no new tasks are dispatched.
func (s *Scheduler) Cancel(ctx context.Context, workflowID string) error {
	s.mu.Lock()
	wf, ok := s.workflows[workflowID]
	if ok {
		wf.Status = WorkflowStatusCancelled
	}
	s.cancelled[workflowID] = true
	s.mu.Unlock()
	if !ok {
		return ErrWorkflowNotFound
	}
	if s.store != nil {
		return s.store.SaveWorkflow(ctx, wf)
	}
	return nil
}

func (s *Scheduler) isCancelled(workflowID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled[workflowID]
}

func (s *Scheduler) workflow(workflowID string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	return wf, nil
}

// Status returns a snapshot of workflowID's current state: its overall
// status and the status of every task.
func (s *Scheduler) Status(workflowID string) (WorkflowStatus, map[string]TaskStatus, error) {
	wf, err := s.workflow(workflowID)
	if err != nil {
		return "", nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make(map[string]TaskStatus, len(wf.TaskStates))
	for id, st := range wf.TaskStates {
		tasks[id] = st.Status
	}
	return wf.Status, tasks, nil
}
