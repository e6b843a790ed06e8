package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/goforge/forge/telemetry"
)

// redisBus is the remote, replicated bus variant (bus.transport=remote).
// Implemented directly over redis/go-redis/v9 so forge does not require a
// full streaming deployment just to exercise the remote transport.
type redisBus struct {
	client    *redis.Client
	keyPrefix string
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	mu   sync.Mutex
	subs []*redisSubscription
}

type wireEvent struct {
	EventID       string         `json:"event_id"`
	EventType     EventType      `json:"event_type"`
	CorrelationID string         `json:"correlation_id"`
	WorkflowID    string         `json:"workflow_id,omitempty"`
	TaskID        string         `json:"task_id,omitempty"`
	Source        string         `json:"source"`
	TimestampUnix int64          `json:"timestamp_unix"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// RedisOption configures a Redis-backed bus.
type RedisOption func(*redisBus)

// WithRedisLogger attaches a telemetry.Logger for transport-error reporting.
func WithRedisLogger(l telemetry.Logger) RedisOption {
	return func(b *redisBus) { b.logger = l }
}

// WithRedisKeyPrefix overrides the channel key prefix (default "forge:bus:").
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(b *redisBus) { b.keyPrefix = prefix }
}

// NewRedisBus constructs the remote bus variant over an existing redis client.
func NewRedisBus(client *redis.Client, opts ...RedisOption) Bus {
	b := &redisBus{
		client:    client,
		keyPrefix: "forge:bus:",
		logger:    telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *redisBus) key(channel Channel) string {
	return b.keyPrefix + string(channel)
}

func (b *redisBus) Publish(channel Channel, event Event) error {
	payload, _ := event.Payload.(map[string]any)
	wire := wireEvent{
		EventID:       event.EventID,
		EventType:     event.EventType,
		CorrelationID: event.CorrelationID,
		WorkflowID:    event.WorkflowID,
		TaskID:        event.TaskID,
		Source:        event.Source,
		TimestampUnix: event.Timestamp.Unix(),
		Payload:       payload,
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("bus: encode event: %w", err)
	}
	if err := b.client.Publish(context.Background(), b.key(channel), data).Err(); err != nil {
		b.logger.Error(context.Background(), "bus: redis publish failed", "channel", string(channel), "error", err.Error())
		return fmt.Errorf("bus: publish to %s: %w", channel, err)
	}
	b.metrics.IncCounter("bus.published", 1, "channel", string(channel))
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func (b *redisBus) Subscribe(channel Channel, handler Handler) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.key(channel))
	sub := &redisSubscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var wire wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
					b.logger.Error(ctx, "bus: decode event failed", "error", err.Error())
					continue
				}
				event := Event{
					EventID:       wire.EventID,
					EventType:     wire.EventType,
					CorrelationID: wire.CorrelationID,
					WorkflowID:    wire.WorkflowID,
					TaskID:        wire.TaskID,
					Source:        wire.Source,
					Payload:       wire.Payload,
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							b.logger.Error(ctx, "bus: subscriber panicked", "recover", r)
						}
					}()
					if err := handler(event); err != nil {
						b.logger.Warn(ctx, "bus: subscriber returned error", "error", err.Error())
					}
				}()
			}
		}
	}()

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub, nil
}

func (s *redisSubscription) Close() {
	s.cancel()
	_ = s.pubsub.Close()
	<-s.done
}

func (b *redisBus) Close() error {
	b.mu.Lock()
	subs := append([]*redisSubscription(nil), b.subs...)
	b.subs = nil
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return b.client.Close()
}
