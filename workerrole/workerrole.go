// Package workerrole is the seam between the scheduler's task dispatch and
// the actual plan-producer/worker intelligence, which remains external. A
// Registry maps a Task.Role tag to a registered Adapter, and a Consumer
// wires that registry to the event bus: it subscribes to dispatched tasks,
// invokes the matching adapter, and publishes the outcome back, the same
// tag-based dispatch pattern used for routing tool calls, repurposed from
// tool names to task roles.
package workerrole

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goforge/forge/bus"
	"github.com/goforge/forge/scheduler"
	"github.com/goforge/forge/telemetry"
)

// TaskRef identifies the workflow/task/attempt a dispatch event refers to,
// without coupling Adapter implementations to the bus.Event envelope.
type TaskRef struct {
	WorkflowID    string
	CorrelationID string
	TaskID        string
}

// Adapter executes one dispatched task for the role it is registered under.
// A non-nil error marks the attempt failed; Result.Failures should carry
// human-readable detail the scheduler's failure classifier can inspect.
type Adapter interface {
	HandleDispatch(ctx context.Context, ref TaskRef, payload scheduler.DispatchPayload) (scheduler.ResultPayload, error)
}

// Registry maps Task.Role tags to Adapters. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register wires adapter to handle every task tagged with role, replacing
// any adapter previously registered for that role.
func (r *Registry) Register(role string, adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[role] = adapter
}

// Lookup returns the adapter registered for role, if any.
func (r *Registry) Lookup(role string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[role]
	return a, ok
}

// Consumer subscribes to the bus's dispatch channel and drives registered
// adapters, publishing their outcome back onto the results channel the
// scheduler is waiting on.
type Consumer struct {
	bus      bus.Bus
	registry *Registry
	logger   telemetry.Logger
}

// NewConsumer constructs a Consumer over b and registry.
func NewConsumer(b bus.Bus, registry *Registry, logger telemetry.Logger) *Consumer {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Consumer{bus: b, registry: registry, logger: logger}
}

// Start subscribes to bus.ChannelRequests and begins handling dispatched
// tasks until the returned Subscription is closed.
func (c *Consumer) Start() (bus.Subscription, error) {
	return c.bus.Subscribe(bus.ChannelRequests, c.handleDispatch)
}

func (c *Consumer) handleDispatch(evt bus.Event) error {
	if evt.EventType != bus.EventTaskDispatch {
		return nil
	}
	payload, ok := evt.Payload.(scheduler.DispatchPayload)
	if !ok {
		c.logger.Warn(context.Background(), "workerrole: dispatch event carried unexpected payload type",
			"task_id", evt.TaskID, "type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}

	ref := TaskRef{WorkflowID: evt.WorkflowID, CorrelationID: evt.CorrelationID, TaskID: evt.TaskID}

	adapter, ok := c.registry.Lookup(payload.Role)
	if !ok {
		msg := fmt.Sprintf("no adapter registered for role %q", payload.Role)
		c.logger.Warn(context.Background(), "workerrole: "+msg, "task_id", evt.TaskID)
		return c.publish(evt, bus.EventTaskFailed, scheduler.ResultPayload{
			Attempt:  payload.Attempt,
			Failures: []string{msg},
		})
	}

	ctx := context.Background()
	result, err := adapter.HandleDispatch(ctx, ref, payload)
	result.Attempt = payload.Attempt
	if err != nil {
		if len(result.Failures) == 0 {
			result.Failures = []string{err.Error()}
		}
		c.logger.Warn(ctx, "workerrole: task attempt failed", "task_id", evt.TaskID, "role", payload.Role, "error", err.Error())
		return c.publish(evt, bus.EventTaskFailed, result)
	}
	return c.publish(evt, bus.EventTaskCompleted, result)
}

func (c *Consumer) publish(evt bus.Event, eventType bus.EventType, result scheduler.ResultPayload) error {
	return c.bus.Publish(bus.ChannelResults, bus.Event{
		EventID:       fmt.Sprintf("%s-result-%d", evt.TaskID, time.Now().UnixNano()),
		EventType:     eventType,
		CorrelationID: evt.CorrelationID,
		WorkflowID:    evt.WorkflowID,
		TaskID:        evt.TaskID,
		Source:        "workerrole",
		Timestamp:     time.Now(),
		Payload:       result,
	})
}
