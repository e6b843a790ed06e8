// Package bus implements forge's typed event bus: a fixed set of named
// channels, FIFO delivery per channel per subscriber, non-blocking publish,
// and per-subscriber exception isolation.
package bus

import (
	"time"
)

// Channel names one of the fixed topics the bus carries.
type Channel string

const (
	ChannelRequests     Channel = "requests"
	ChannelResults      Channel = "results"
	ChannelLifecycle    Channel = "lifecycle"
	ChannelTestOutcomes Channel = "test_outcomes"
	ChannelDebugger     Channel = "debugger"
	ChannelArtifacts    Channel = "artifacts"
	ChannelApprovals    Channel = "approvals"
	ChannelAudit        Channel = "audit"
)

// EventType enumerates the payload shapes carried on the bus.
type EventType string

const (
	EventTaskDispatch   EventType = "task.dispatch"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventTestPassed     EventType = "test.passed"
	EventTestFailed     EventType = "test.failed"
	EventWorkflowStatus EventType = "workflow.status"
	EventArtifactCommit EventType = "artifact.commit"
	EventApprovalNeeded EventType = "approval.needed"
	EventAuditLog       EventType = "audit.log"
)

// Event is the envelope published on the bus. Payload's shape is determined
// by Type; components unmarshal it into the concrete struct they expect.
type Event struct {
	EventID       string
	EventType     EventType
	CorrelationID string
	WorkflowID    string
	TaskID        string
	Source        string
	Timestamp     time.Time
	Payload       any
}

// Handler reacts to a single event delivered on a channel.
type Handler func(Event) error

// Subscription can be closed to stop receiving further events.
type Subscription interface {
	Close()
}

// Bus is the pub/sub contract shared by the in-memory and Redis-backed
// implementations.
type Bus interface {
	// Publish emits event on channel. It never fails because a channel or
	// subscriber is unknown to the in-memory variant; the remote variant
	// surfaces transport errors to the caller.
	Publish(channel Channel, event Event) error
	// Subscribe registers handler on channel, lazily creating the channel's
	// topic if it does not yet exist, and returns a closable Subscription.
	Subscribe(channel Channel, handler Handler) (Subscription, error)
	// Close releases any resources held by the bus (worker goroutines,
	// transport connections).
	Close() error
}
