// Package memory provides an in-memory implementation of scheduler.StateStore.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/goforge/forge/scheduler"
)

// Store is an in-memory implementation of scheduler.StateStore. It is safe
// for concurrent use.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*scheduler.Workflow
}

// New creates a new in-memory state store.
func New() *Store {
	return &Store{workflows: make(map[string]*scheduler.Workflow)}
}

// SaveWorkflow stores or updates wf's snapshot.
func (s *Store) SaveWorkflow(ctx context.Context, wf *scheduler.Workflow) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[wf.WorkflowID] = wf
	return nil
}

// LoadWorkflow retrieves a workflow snapshot by ID.
func (s *Store) LoadWorkflow(ctx context.Context, workflowID string) (*scheduler.Workflow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[workflowID]
	if !ok {
		return nil, scheduler.ErrWorkflowNotFound
	}
	return wf, nil
}

// ListWorkflows returns every stored workflow, newest first.
func (s *Store) ListWorkflows(ctx context.Context) ([]*scheduler.Workflow, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*scheduler.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
