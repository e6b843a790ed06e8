package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	done := make(chan Event, 1)
	sub, err := b.Subscribe(ChannelRequests, func(evt Event) error {
		done <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ChannelRequests, Event{EventType: EventTaskDispatch, TaskID: "t1"}))

	select {
	case evt := <-done:
		assert.Equal(t, "t1", evt.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublishDoesNotCrossChannels(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	received := make(chan Event, 1)
	sub, err := b.Subscribe(ChannelResults, func(evt Event) error {
		received <- evt
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ChannelRequests, Event{EventType: EventTaskDispatch}))

	select {
	case <-received:
		t.Fatal("subscriber on a different channel should not receive the event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMultipleSubscribersEachReceiveEvent(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var count int
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe(ChannelAudit, func(evt Event) error {
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		defer sub.Close()
	}

	require.NoError(t, b.Publish(ChannelAudit, Event{EventType: EventAuditLog}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 3
	}, time.Second, 10*time.Millisecond)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	var mu sync.Mutex
	var count int
	sub, err := b.Subscribe(ChannelLifecycle, func(evt Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	sub.Close()
	require.NoError(t, b.Publish(ChannelLifecycle, Event{EventType: EventWorkflowStatus}))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestHandlerPanicIsolatedFromOtherSubscribers(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	panicking, err := b.Subscribe(ChannelDebugger, func(evt Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	defer panicking.Close()

	done := make(chan Event, 1)
	healthy, err := b.Subscribe(ChannelDebugger, func(evt Event) error {
		done <- evt
		return nil
	})
	require.NoError(t, err)
	defer healthy.Close()

	require.NoError(t, b.Publish(ChannelDebugger, Event{EventType: EventTaskDispatch}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panicking subscriber should not prevent delivery to others")
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	b := NewMemoryBus()
	require.NoError(t, b.Close())
	assert.NoError(t, b.Publish(ChannelAudit, Event{}))
}

// TestPublishBlocksThenDeliversOnSaturatedQueue covers at-least-once delivery
// under backpressure: once a subscriber's queue is full, Publish waits for
// room instead of dropping, and the event is still delivered once the
// subscriber catches up.
func TestPublishBlocksThenDeliversOnSaturatedQueue(t *testing.T) {
	b := NewMemoryBus(WithPublishTimeout(2 * time.Second))
	defer b.Close()

	gate := make(chan struct{})
	var mu sync.Mutex
	var delivered []int
	sub, err := b.Subscribe(ChannelAudit, func(evt Event) error {
		<-gate
		mu.Lock()
		delivered = append(delivered, len(delivered))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 256; i++ {
		require.NoError(t, b.Publish(ChannelAudit, Event{EventType: EventAuditLog}))
	}

	overflow := make(chan error, 1)
	go func() { overflow <- b.Publish(ChannelAudit, Event{EventType: EventAuditLog}) }()

	select {
	case <-overflow:
		t.Fatal("Publish returned before the saturated queue had any room")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)

	select {
	case err := <-overflow:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Publish never unblocked once the subscriber drained")
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 257
	}, 2*time.Second, 10*time.Millisecond)
}

// TestPublishDropsAfterTimeoutOnStuckSubscriber covers the bounded escape
// hatch: a subscriber that never drains still can't block Publish forever.
func TestPublishDropsAfterTimeoutOnStuckSubscriber(t *testing.T) {
	b := NewMemoryBus(WithPublishTimeout(20 * time.Millisecond))
	defer b.Close()

	gate := make(chan struct{})
	defer close(gate)
	sub, err := b.Subscribe(ChannelAudit, func(evt Event) error {
		<-gate
		return nil
	})
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 256; i++ {
		require.NoError(t, b.Publish(ChannelAudit, Event{EventType: EventAuditLog}))
	}

	done := make(chan error, 1)
	go func() { done <- b.Publish(ChannelAudit, Event{EventType: EventAuditLog}) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Publish did not drop and return once publishTimeout elapsed")
	}
}
