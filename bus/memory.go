package bus

import (
	"context"
	"sync"
	"time"

	"github.com/goforge/forge/telemetry"
)

// defaultPublishTimeout bounds how long Publish waits for a slow subscriber's
// queue to free up before giving up on that subscriber for this event.
const defaultPublishTimeout = 5 * time.Second

// memoryBus is the single-process variant. Each subscription owns a buffered
// queue drained by its own goroutine; delivery to a single subscriber
// preserves FIFO order per channel because the queue is drained in arrival
// order.
//
// Unlike a synchronous fan-out that runs in the publisher's own goroutine
// and stops at the first subscriber error, Forge isolates subscriber panics
// and errors from the publisher and from each other. At-least-once delivery
// still requires Publish to push back on a publisher that is outrunning a
// subscriber rather than silently dropping the event, so Publish blocks, up
// to publishTimeout, for room in each subscriber's queue before giving up on
// that one subscriber and logging the drop.
type memoryBus struct {
	mu     sync.RWMutex
	topics map[Channel][]*subscription

	logger  telemetry.Logger
	metrics telemetry.Metrics

	publishTimeout time.Duration

	closed bool
}

type subscription struct {
	bus     *memoryBus
	channel Channel
	handler Handler
	queue   chan Event
	done    chan struct{}
	once    sync.Once
}

// MemoryOption configures a memory-backed bus.
type MemoryOption func(*memoryBus)

// WithLogger attaches a telemetry.Logger used to record delivery errors.
func WithLogger(l telemetry.Logger) MemoryOption {
	return func(b *memoryBus) { b.logger = l }
}

// WithMetrics attaches a telemetry.Metrics recorder for publish/delivery counts.
func WithMetrics(m telemetry.Metrics) MemoryOption {
	return func(b *memoryBus) { b.metrics = m }
}

// WithPublishTimeout overrides how long Publish waits for room in a
// saturated subscriber queue before dropping the event for that subscriber.
func WithPublishTimeout(d time.Duration) MemoryOption {
	return func(b *memoryBus) { b.publishTimeout = d }
}

// NewMemoryBus constructs the single-process bus variant (bus.transport=in-memory).
func NewMemoryBus(opts ...MemoryOption) Bus {
	b := &memoryBus{
		topics:         make(map[Channel][]*subscription),
		logger:         telemetry.NewNoopLogger(),
		metrics:        telemetry.NewNoopMetrics(),
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *memoryBus) Publish(channel Channel, event Event) error {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.topics[channel]...)
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil
	}
	b.metrics.IncCounter("bus.published", 1, "channel", string(channel))
	for _, s := range subs {
		select {
		case s.queue <- event:
			continue
		default:
		}
		// Queue is momentarily full; push back on the publisher up to
		// publishTimeout instead of dropping immediately, so a subscriber
		// that is merely behind (not stuck) still gets the event.
		timer := time.NewTimer(b.publishTimeout)
		select {
		case s.queue <- event:
			timer.Stop()
		case <-timer.C:
			b.metrics.IncCounter("bus.dropped", 1, "channel", string(channel))
			b.logger.Warn(context.Background(), "bus: subscriber queue full, dropping event",
				"channel", string(channel), "event_type", string(event.EventType))
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(channel Channel, handler Handler) (Subscription, error) {
	s := &subscription{
		bus:     b,
		channel: channel,
		handler: handler,
		queue:   make(chan Event, 256),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.topics[channel] = append(b.topics[channel], s)
	b.mu.Unlock()

	go s.run(b.logger)
	return s, nil
}

func (s *subscription) run(logger telemetry.Logger) {
	for {
		select {
		case evt := <-s.queue:
			s.deliver(logger, evt)
		case <-s.done:
			return
		}
	}
}

func (s *subscription) deliver(logger telemetry.Logger, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(context.Background(), "bus: subscriber panicked",
				"channel", string(s.channel), "recover", r)
		}
	}()
	if err := s.handler(evt); err != nil {
		logger.Warn(context.Background(), "bus: subscriber returned error",
			"channel", string(s.channel), "error", err.Error())
	}
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		subs := s.bus.topics[s.channel]
		for i, cand := range subs {
			if cand == s {
				s.bus.topics[s.channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for _, s := range subs {
			s.once.Do(func() { close(s.done) })
		}
	}
	return nil
}
