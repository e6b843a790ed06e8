// Package mongo implements scheduler.StateStore on top of MongoDB, for
// cross-process durability of workflow execution state.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/goforge/forge/scheduler/statestore/mongo/clients/mongo"

	"github.com/goforge/forge/scheduler"
)

// Options configures the Mongo-backed state store.
type Options struct {
	Client clientsmongo.Client
}

// Store implements scheduler.StateStore by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo instantiates the Store by constructing the underlying client.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// SaveWorkflow implements scheduler.StateStore.
func (s *Store) SaveWorkflow(ctx context.Context, wf *scheduler.Workflow) error {
	return s.client.UpsertWorkflow(ctx, wf)
}

// LoadWorkflow implements scheduler.StateStore.
func (s *Store) LoadWorkflow(ctx context.Context, workflowID string) (*scheduler.Workflow, error) {
	return s.client.LoadWorkflow(ctx, workflowID)
}

// ListWorkflows implements scheduler.StateStore.
func (s *Store) ListWorkflows(ctx context.Context) ([]*scheduler.Workflow, error) {
	return s.client.ListWorkflows(ctx)
}
