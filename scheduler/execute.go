package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/goforge/forge/bus"
	"github.com/goforge/forge/failureanalysis"
	"github.com/goforge/forge/taskgraph"
)

// DispatchPayload is the payload carried on a task.dispatch event.
type DispatchPayload struct {
	Description      string
	Role             string
	Attempt          int
	ParentTaskID     string
	FailureClassHint string
	FixStrategyHint  string
	InputArtifacts   []string
	Fixtures         []string
}

// Execute drives workflowID's task graph to completion: computes the
// topological order, dispatches ready tasks up to the configured worker
// pool size, and reacts to completion/failure events until every task is
// terminal.
func (s *Scheduler) Execute(ctx context.Context, workflowID string) error {
	wf, err := s.workflow(workflowID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wf.Status = WorkflowStatusRunning
	s.mu.Unlock()
	s.saveQuiet(ctx, wf)

	ranks, err := taskgraph.TopologicalOrder(wf.Graph)
	if err != nil {
		s.mu.Lock()
		wf.Status = WorkflowStatusFailed
		s.mu.Unlock()
		s.saveQuiet(ctx, wf)
		return err
	}

	run := &execRun{
		sem: make(chan struct{}, s.workerPoolSize),
		wg:  &sync.WaitGroup{},
	}

	order := flatten(ranks, wf.taskIndex)
	for _, taskID := range order {
		if s.isCancelled(workflowID) {
			break
		}
		if !s.taskReady(wf, taskID) {
			continue
		}
		run.spawn(ctx, s, wf, taskID)
	}
	run.wg.Wait()

	s.finalize(ctx, wf)
	return nil
}

// execRun tracks the worker pool and in-flight goroutine count for one
// Execute call, including goroutines spawned dynamically as dependents and
// repair branches become ready.
type execRun struct {
	sem chan struct{}
	wg  *sync.WaitGroup
}

// spawn queues taskID for execution. The worker-pool slot is acquired inside
// the new goroutine, not by the caller, so a task completion handler running
// on an occupied slot can spawn dependents/branches without deadlocking
// against its own slot.
func (r *execRun) spawn(ctx context.Context, s *Scheduler, wf *Workflow, taskID string) {
	r.wg.Add(1)
	go func() {
		r.sem <- struct{}{}
		defer func() { <-r.sem; r.wg.Done() }()
		s.runTask(ctx, wf, taskID, r)
	}()
}

// flatten orders tasks within each rank by priority ascending, ties broken
// by task ID, matching spec's ordering rule.
func flatten(ranks [][]string, index map[string]*taskgraph.Task) []string {
	out := make([]string, 0, len(index))
	for _, rank := range ranks {
		rank := append([]string(nil), rank...)
		sort.Slice(rank, func(i, j int) bool {
			ti, tj := index[rank[i]], index[rank[j]]
			if ti.Priority != tj.Priority {
				return ti.Priority < tj.Priority
			}
			return ti.ID < tj.ID
		})
		out = append(out, rank...)
	}
	return out
}

func (s *Scheduler) taskReady(wf *Workflow, taskID string) bool {
	task, ok := wf.TaskByID(taskID)
	if !ok {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := wf.TaskStates[taskID]
	if state == nil || state.Status == TaskStatusCompleted || state.Status == TaskStatusBlocked {
		return false
	}
	for _, dep := range task.Deps {
		depState := wf.TaskStates[dep]
		if depState == nil || depState.Status != TaskStatusCompleted {
			return false
		}
	}
	return true
}

// runTask dispatches a single task, awaits its result (bounded by the
// task's timeout), and drives retry/branch logic on failure.
func (s *Scheduler) runTask(ctx context.Context, wf *Workflow, taskID string, run *execRun) {
	task, ok := wf.TaskByID(taskID)
	if !ok {
		return
	}

	s.mu.Lock()
	state := wf.TaskStates[taskID]
	state.Status = TaskStatusDispatched
	state.Attempts++
	attempt := state.Attempts
	state.StartedAt = time.Now()
	s.mu.Unlock()

	env, err := s.dispatchAndWait(ctx, wf, task, attempt)

	if s.isCancelled(wf.WorkflowID) {
		return
	}

	s.mu.Lock()
	state.FinishedAt = time.Now()
	s.mu.Unlock()

	if err == nil && env.completed {
		s.completeTask(ctx, wf, task, env, run)
		return
	}

	failMsg := ""
	if err != nil {
		failMsg = err.Error()
	} else if len(env.failures) > 0 {
		failMsg = env.failures[0]
	}
	s.handleFailure(ctx, wf, task, attempt, failMsg, env, run)
}

// completeTask marks task completed, records its produced artifacts, and
// dispatches its dependents. When task is a repair branch, completion does
// not by itself resolve the task it repairs: a branch's acceptance checks
// are inherited from the task it repairs, so the repair is only proven by
// re-running those checks, which recheckParentAcceptance does.
func (s *Scheduler) completeTask(ctx context.Context, wf *Workflow, task *taskgraph.Task, env resultEnvelope, run *execRun) {
	s.mu.Lock()
	state := wf.TaskStates[task.ID]
	state.Status = TaskStatusCompleted
	state.ProducedArtifacts = env.artifacts
	s.mu.Unlock()
	s.saveQuiet(ctx, wf)
	s.dispatchDependents(ctx, wf, task.ID, run)

	if task.IsBranch() {
		if parent, ok := wf.TaskByID(task.ParentID); ok {
			s.recheckParentAcceptance(ctx, wf, task, parent, run)
		}
	}
}

// recheckParentAcceptance re-runs parent's acceptance checks through the
// validate role now that the repair branch that targets it has completed.
// If the checks now pass, parent is marked completed (cascading up its own
// ancestor chain, if any); otherwise parent's failure is handled exactly
// like any other task failure, parented on the branch that just completed
// so the debug-depth chain keeps climbing toward the branch-depth limit.
func (s *Scheduler) recheckParentAcceptance(ctx context.Context, wf *Workflow, branch, parent *taskgraph.Task, run *execRun) {
	s.mu.Lock()
	pstate := wf.TaskStates[parent.ID]
	pstate.Attempts++
	attempt := pstate.Attempts
	pstate.Status = TaskStatusRunning
	s.mu.Unlock()
	s.saveQuiet(ctx, wf)

	recheck := *parent
	recheck.Role = "validate"
	// The branch's fix is an input to the recheck alongside parent's own
	// deps, so dependencyArtifacts (keyed on Deps) picks up what it produced.
	recheck.Deps = append(append([]string(nil), parent.Deps...), branch.ID)
	env, err := s.dispatchAndWait(ctx, wf, &recheck, attempt)

	if s.isCancelled(wf.WorkflowID) {
		return
	}

	s.mu.Lock()
	pstate.FinishedAt = time.Now()
	s.mu.Unlock()

	if err == nil && env.completed {
		s.completeTask(ctx, wf, parent, env, run)
		return
	}

	failMsg := ""
	if err != nil {
		failMsg = err.Error()
	} else if len(env.failures) > 0 {
		failMsg = env.failures[0]
	}
	// Force past the retry branch: a branch was already spawned and
	// completed once, so the next step on failure is the next branch, not
	// another plain retry of the branch.
	s.handleFailure(ctx, wf, branch, branch.MaxRetries+1, failMsg, env, run)
}

// handleFailure implements the retry/branch/escalate decision for a failed
// task attempt: retry with backoff while attempts remain, else classify the
// failure and either synthesize a repair branch (bounded by debug depth) or
// fail the task terminally and escalate.
func (s *Scheduler) handleFailure(ctx context.Context, wf *Workflow, task *taskgraph.Task, attempt int, failMsg string, env resultEnvelope, run *execRun) {
	s.mu.Lock()
	state := wf.TaskStates[task.ID]
	state.LastError = failMsg
	s.mu.Unlock()

	if attempt <= task.MaxRetries {
		s.mu.Lock()
		state.Status = TaskStatusRetrying
		s.mu.Unlock()
		s.saveQuiet(ctx, wf)

		select {
		case <-time.After(s.backoff(attempt)):
		case <-ctx.Done():
			return
		}
		if s.isCancelled(wf.WorkflowID) {
			return
		}
		s.runTask(ctx, wf, task.ID, run)
		return
	}

	class := classify(failMsg, env)
	findings := failureanalysis.Analyze(failMsg)
	hint := ""
	if len(findings) > 0 {
		hint = findings[0].Hint
	}

	if task.DebugDepth >= s.maxBranchDepth {
		s.mu.Lock()
		state.Status = TaskStatusFailed
		s.mu.Unlock()
		s.saveQuiet(ctx, wf)
		s.escalate(ctx, wf, task, class, failMsg)
		s.failAncestors(ctx, wf, task)
		s.blockDependents(ctx, wf, rootAncestor(wf, task).ID)
		return
	}

	role := failureanalysis.RouteClass(class, task.FailureRouting())
	branch := s.synthesizeBranch(wf, task, class, role, failMsg, hint)

	s.mu.Lock()
	state.Status = TaskStatusBlocked
	wf.TaskStates[branch.ID] = &TaskState{Status: TaskStatusPending}
	s.mu.Unlock()
	s.saveQuiet(ctx, wf)

	if s.bus != nil {
		_ = s.bus.Publish(bus.ChannelArtifacts, bus.Event{
			EventType:     bus.EventTaskDispatch,
			CorrelationID: wf.CorrelationID,
			WorkflowID:    wf.WorkflowID,
			TaskID:        branch.ID,
			Source:        "scheduler",
			Timestamp:     time.Now(),
			Payload:       fmt.Sprintf("branch %s synthesized from %s: %s", branch.ID, task.ID, class),
		})
	}

	run.spawn(ctx, s, wf, branch.ID)
}

// failAncestors propagates a terminal failure up through a chain of repair
// branches to the original task that started it, so the workflow's overall
// status reflects the unrecovered failure.
func (s *Scheduler) failAncestors(ctx context.Context, wf *Workflow, task *taskgraph.Task) {
	if !task.IsBranch() {
		return
	}
	parent, ok := wf.TaskByID(task.ParentID)
	if !ok {
		return
	}
	s.mu.Lock()
	pstate := wf.TaskStates[parent.ID]
	pstate.Status = TaskStatusFailed
	s.mu.Unlock()
	s.saveQuiet(ctx, wf)
	s.failAncestors(ctx, wf, parent)
}

// rootAncestor walks task's ParentID chain up to the original, non-branch
// task that graph dependency edges actually reference.
func rootAncestor(wf *Workflow, task *taskgraph.Task) *taskgraph.Task {
	cur := task
	for cur.IsBranch() {
		parent, ok := wf.TaskByID(cur.ParentID)
		if !ok {
			break
		}
		cur = parent
	}
	return cur
}

// blockDependents marks any task that directly depends on taskID as
// blocked, mirroring dispatchDependents but for the terminal-failure path:
// a dependent of a task that failed terminally can never become ready.
func (s *Scheduler) blockDependents(ctx context.Context, wf *Workflow, taskID string) {
	s.mu.Lock()
	var blocked []string
	for _, t := range wf.Graph.Tasks {
		for _, dep := range t.Deps {
			if dep != taskID {
				continue
			}
			if st := wf.TaskStates[t.ID]; st != nil && st.Status != TaskStatusCompleted {
				st.Status = TaskStatusBlocked
				blocked = append(blocked, t.ID)
			}
		}
	}
	s.mu.Unlock()
	if len(blocked) > 0 {
		s.saveQuiet(ctx, wf)
	}
}

// synthesizeBranch builds and registers a repair branch task for a failed
// task, inheriting its acceptance criteria and dependencies and incrementing
// debug_depth, per the branch-task field layout.
func (s *Scheduler) synthesizeBranch(wf *Workflow, task *taskgraph.Task, class failureanalysis.Class, role, failMsg, hint string) *taskgraph.Task {
	s.mu.Lock()
	n := wf.BranchCounters[task.ID]
	wf.BranchCounters[task.ID] = n + 1
	s.mu.Unlock()

	reason := branchReasonForClass(class)
	branch := taskgraph.Task{
		ID:           fmt.Sprintf("%s_branch_%d", task.ID, n),
		Title:        fmt.Sprintf("Repair: %s", task.Title),
		Description:  fmt.Sprintf("%s failed (%s): %s. %s", task.ID, class, failMsg, hint),
		Role:         role,
		Priority:     task.Priority,
		Deps:         append([]string(nil), task.Deps...),
		Acceptance:   task.Acceptance,
		MaxRetries:   task.MaxRetries,
		Timeout:      task.Timeout,
		ParentID:     task.ID,
		BranchReason: reason,
		DebugDepth:   task.DebugDepth + 1,
	}

	s.mu.Lock()
	wf.addTask(branch)
	added, _ := wf.TaskByID(branch.ID)
	s.mu.Unlock()
	return added
}

func branchReasonForClass(class failureanalysis.Class) taskgraph.BranchReason {
	switch class {
	case failureanalysis.ClassImplementationBug:
		return taskgraph.BranchImplementationBug
	case failureanalysis.ClassSpecMismatch:
		return taskgraph.BranchSpecMismatch
	case failureanalysis.ClassTimeout:
		return taskgraph.BranchTimeout
	case failureanalysis.ClassMissingDependency:
		return taskgraph.BranchMissingDependency
	case failureanalysis.ClassFlakyTest:
		return taskgraph.BranchFlakyTest
	default:
		return taskgraph.BranchUnknown
	}
}

// escalate publishes an out-of-band signal when a task has exhausted its
// branch depth without recovering, so an operator can intervene.
func (s *Scheduler) escalate(ctx context.Context, wf *Workflow, task *taskgraph.Task, class failureanalysis.Class, failMsg string) {
	s.logger.Error(ctx, "scheduler: task failed terminally after exhausting repair branches",
		"workflow_id", wf.WorkflowID, "task_id", task.ID, "class", string(class))
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(bus.ChannelApprovals, bus.Event{
		EventType:     bus.EventApprovalNeeded,
		CorrelationID: wf.CorrelationID,
		WorkflowID:    wf.WorkflowID,
		TaskID:        task.ID,
		Source:        "scheduler",
		Timestamp:     time.Now(),
		Payload:       fmt.Sprintf("task %s exhausted repair branches (last class=%s): %s", task.ID, class, failMsg),
	})
}

// dispatchDependents re-evaluates and dispatches any dependent tasks that
// became ready after taskID completed.
func (s *Scheduler) dispatchDependents(ctx context.Context, wf *Workflow, completedTaskID string, run *execRun) {
	for _, t := range wf.Graph.Tasks {
		for _, dep := range t.Deps {
			if dep == completedTaskID && s.taskReady(wf, t.ID) {
				run.spawn(ctx, s, wf, t.ID)
			}
		}
	}
}

// dependencyArtifacts collects the produced artifacts of task's direct
// dependencies, in Deps order, to hand to the worker role as input
// artifacts. A repair branch inherits its parent's deps, so this also
// supplies the branch's input artifacts.
func (s *Scheduler) dependencyArtifacts(wf *Workflow, task *taskgraph.Task) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, dep := range task.Deps {
		if st := wf.TaskStates[dep]; st != nil {
			out = append(out, st.ProducedArtifacts...)
		}
	}
	return out
}

// dispatchAndWait publishes a dispatch event and blocks for a matching
// result, bounded by the task's configured timeout (falling back to the
// scheduler's default).
func (s *Scheduler) dispatchAndWait(ctx context.Context, wf *Workflow, task *taskgraph.Task, attempt int) (resultEnvelope, error) {
	key := resultKey(wf.WorkflowID, task.ID, attempt)
	ch := make(chan resultEnvelope, 1)
	s.pendingMu.Lock()
	s.pending[key] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}()

	payload := DispatchPayload{
		Description:    task.Description,
		Role:           task.Role,
		Attempt:        attempt,
		ParentTaskID:   task.ParentID,
		InputArtifacts: s.dependencyArtifacts(wf, task),
		Fixtures:       task.Fixtures(),
	}
	if task.IsBranch() {
		payload.FailureClassHint = string(task.BranchReason)
	}

	if s.bus != nil {
		_ = s.bus.Publish(bus.ChannelRequests, bus.Event{
			EventID:       fmt.Sprintf("%s-%d", key, time.Now().UnixNano()),
			EventType:     bus.EventTaskDispatch,
			CorrelationID: wf.CorrelationID,
			WorkflowID:    wf.WorkflowID,
			TaskID:        task.ID,
			Source:        "scheduler",
			Timestamp:     time.Now(),
			Payload:       payload,
		})
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.resultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		return resultEnvelope{}, fmt.Errorf("task %s timed out after %s", task.ID, timeout)
	case <-ctx.Done():
		return resultEnvelope{}, ctx.Err()
	}
}

func resultKey(workflowID, taskID string, attempt int) string {
	return fmt.Sprintf("%s|%s|%d", workflowID, taskID, attempt)
}

// handleResult is subscribed to the results channel and routes incoming
// events to the pending completion registered for their (workflow, task,
// attempt) key.
func (s *Scheduler) handleResult(evt bus.Event) error {
	attempt := 0
	var env resultEnvelope
	switch evt.EventType {
	case bus.EventTaskCompleted, bus.EventTestPassed:
		env.completed = true
	case bus.EventTaskFailed, bus.EventTestFailed:
		env.completed = false
	default:
		return nil
	}

	switch p := evt.Payload.(type) {
	case ResultPayload:
		attempt = p.Attempt
		env.artifacts = p.Artifacts
		env.metrics = p.Metrics
		env.failures = p.Failures
		env.logsPath = p.LogsPath
	}

	key := resultKey(evt.WorkflowID, evt.TaskID, attempt)
	s.pendingMu.Lock()
	ch, ok := s.pending[key]
	s.pendingMu.Unlock()
	if !ok {
		s.logger.Warn(context.Background(), "scheduler: result for unknown/expired task attempt", "key", key)
		return nil
	}
	select {
	case ch <- env:
	default:
	}
	return nil
}

// ResultPayload is the payload carried on task.completed/task.failed/
// test.passed/test.failed events.
type ResultPayload struct {
	Attempt   int
	Artifacts []string
	Metrics   map[string]any
	Failures  []string
	LogsPath  string
}

func (s *Scheduler) saveQuiet(ctx context.Context, wf *Workflow) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		s.logger.Warn(ctx, "scheduler: save workflow failed", "workflow_id", wf.WorkflowID, "error", err.Error())
	}
}

func (s *Scheduler) finalize(ctx context.Context, wf *Workflow) {
	s.mu.Lock()
	if wf.Status == WorkflowStatusCancelled {
		s.mu.Unlock()
		return
	}
	allCompleted := true
	anyFailed := false
	for _, st := range wf.TaskStates {
		switch st.Status {
		case TaskStatusCompleted:
		case TaskStatusFailed:
			anyFailed = true
			allCompleted = false
		default:
			allCompleted = false
		}
	}
	switch {
	case anyFailed:
		wf.Status = WorkflowStatusFailed
	case allCompleted:
		wf.Status = WorkflowStatusCompleted
	}
	s.mu.Unlock()
	s.saveQuiet(ctx, wf)

	if s.bus != nil {
		_ = s.bus.Publish(bus.ChannelLifecycle, bus.Event{
			EventType:     bus.EventWorkflowStatus,
			CorrelationID: wf.CorrelationID,
			WorkflowID:    wf.WorkflowID,
			Source:        "scheduler",
			Timestamp:     time.Now(),
			Payload:       wf.Status,
		})
	}
}

// backoff computes exponential backoff with jitter for retry scheduling.
func (s *Scheduler) backoff(attempt int) time.Duration {
	base := s.baseBackoff * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(s.baseBackoff) + 1))
	return base + jitter
}

// classify applies failure-analysis to a failed result, preferring the
// sandbox's structured failures and falling back to stderr heuristics.
func classify(failMsg string, env resultEnvelope) failureanalysis.Class {
	if len(env.failures) > 0 {
		return failureanalysis.ClassifyFailure(env.failures[0], false)
	}
	return failureanalysis.ClassifyFailure(failMsg, false)
}
