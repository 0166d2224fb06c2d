package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

// RedisEventBus overlays the in-memory bus with Redis Pub/Sub so multiple
// engine instances share domain events. Remote events are rebuilt into
// their concrete types and replayed through the local bus; events published
// by this instance are filtered out on receipt.
type RedisEventBus struct {
	client      *redis.Client
	localBus    *InMemoryEventBus
	channelName string
	instanceID  string
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
}

// RedisBusConfig contains configuration for RedisEventBus.
type RedisBusConfig struct {
	// Client is the Redis client to use.
	Client *redis.Client

	// ChannelName is the Redis channel for events.
	ChannelName string

	// InstanceID uniquely identifies this instance. Generated when empty.
	InstanceID string

	// LocalConfig configures the embedded in-memory bus.
	LocalConfig Config

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultChannelName is the Redis channel used when none is configured.
const DefaultChannelName = "progression:events"

// NewRedisEventBus creates a Redis-backed event bus and starts its
// subscription listener.
func NewRedisEventBus(cfg RedisBusConfig) (*RedisEventBus, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = DefaultChannelName
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	bus := &RedisEventBus{
		client:      cfg.Client,
		localBus:    NewInMemoryEventBus(cfg.LocalConfig),
		channelName: cfg.ChannelName,
		instanceID:  cfg.InstanceID,
		logger:      cfg.Logger.With("component", "redis_eventbus"),
		ctx:         ctx,
		cancel:      cancel,
	}

	sub := bus.client.Subscribe(ctx, bus.channelName)
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", bus.channelName, err)
	}

	bus.wg.Add(1)
	go func() {
		defer bus.wg.Done()
		bus.subscriptionLoop(sub.Channel())
	}()

	return bus, nil
}

// On implements shared.EventSubscriber.
func (b *RedisEventBus) On(kind shared.EventKind, handler shared.EventHandler) (shared.SubscriptionID, error) {
	return b.localBus.On(kind, handler)
}

// Once implements shared.EventSubscriber.
func (b *RedisEventBus) Once(kind shared.EventKind, handler shared.EventHandler) (shared.SubscriptionID, error) {
	return b.localBus.Once(kind, handler)
}

// Off implements shared.EventSubscriber.
func (b *RedisEventBus) Off(id shared.SubscriptionID) {
	b.localBus.Off(id)
}

// eventEnvelope wraps an event for transport.
type eventEnvelope struct {
	InstanceID string           `json:"instance_id"`
	Kind       shared.EventKind `json:"kind"`
	OccurredAt time.Time        `json:"occurred_at"`
	Event      json.RawMessage  `json:"event"`
}

// Publish sends the event to Redis and to local handlers.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	b.mu.RUnlock()

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data, err := json.Marshal(eventEnvelope{
		InstanceID: b.instanceID,
		Kind:       event.Kind(),
		OccurredAt: event.OccurredAt(),
		Event:      raw,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := b.client.Publish(b.ctx, b.channelName, data).Err(); err != nil {
		// Remote fan-out failed; local subscribers still get the event.
		b.logger.Error("redis publish failed", "error", err)
	}

	return b.localBus.Publish(event)
}

func (b *RedisEventBus) subscriptionLoop(messages <-chan *redis.Message) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.handleMessage(msg.Payload)
		}
	}
}

func (b *RedisEventBus) handleMessage(payload string) {
	var envelope eventEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		b.logger.Error("unmarshal envelope failed", "error", err)
		return
	}

	// Skip events from self; they were already delivered locally.
	if envelope.InstanceID == b.instanceID {
		return
	}

	event, err := rebuildEvent(envelope)
	if err != nil {
		b.logger.Error("rebuild remote event failed", "kind", envelope.Kind, "error", err)
		return
	}

	if err := b.localBus.Publish(event); err != nil {
		b.logger.Error("replay remote event failed", "kind", envelope.Kind, "error", err)
	}
}

// rebuildEvent reconstructs a concrete event from its wire form.
func rebuildEvent(envelope eventEnvelope) (shared.Event, error) {
	switch envelope.Kind {
	case shared.EventXPChanged:
		var e shared.XPChangedEvent
		if err := json.Unmarshal(envelope.Event, &e); err != nil {
			return nil, err
		}
		return e, nil
	case shared.EventLevelUp:
		var e shared.LevelUpEvent
		if err := json.Unmarshal(envelope.Event, &e); err != nil {
			return nil, err
		}
		return e, nil
	case shared.EventLevelDown:
		var e shared.LevelDownEvent
		if err := json.Unmarshal(envelope.Event, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", envelope.Kind)
	}
}

// Close stops the listener and closes the local bus.
func (b *RedisEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.localBus.Close()
}

// Metrics returns the local bus metrics tracker.
func (b *RedisEventBus) Metrics() *Metrics {
	return b.localBus.Metrics()
}
