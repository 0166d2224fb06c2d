// Package messaging implements the event bus carrying progression domain
// events between the XP core and its subscribers (leaderboard cache, reward
// reconciler). It provides an in-memory bus and a Redis pub/sub overlay for
// distributed deployments.
package messaging

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

var (
	// ErrEventBusClosed is returned when operations are attempted on a closed bus.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrNilHandler is returned when a nil handler is registered.
	ErrNilHandler = errors.New("handler cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// subscription is one registered handler.
type subscription struct {
	id      shared.SubscriptionID
	kind    shared.EventKind
	handler shared.EventHandler
	once    bool
	fired   bool
}

// InMemoryEventBus is a typed publish/subscribe registry.
//
// Contract: delivery order across subscribers and across event kinds from
// the same logical mutation is unspecified. A handler error is logged and
// never stops other handlers nor reaches the publisher.
type InMemoryEventBus struct {
	mu         sync.Mutex
	subs       map[shared.EventKind][]*subscription
	byID       map[shared.SubscriptionID]*subscription
	asyncMode  bool
	workerPool chan struct{}
	logger     *slog.Logger
	metrics    *Metrics
	closed     bool
	closeCh    chan struct{}
	wg         sync.WaitGroup
}

// Config contains configuration for InMemoryEventBus.
type Config struct {
	// AsyncMode delivers events on the worker pool instead of the
	// publisher's goroutine.
	AsyncMode bool

	// WorkerPoolSize caps concurrent async deliveries.
	WorkerPoolSize int

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults: synchronous delivery, which
// gives mutation callers settled side effects by return time.
func DefaultConfig() Config {
	return Config{
		AsyncMode:      false,
		WorkerPoolSize: 10,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(cfg Config) *InMemoryEventBus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}

	return &InMemoryEventBus{
		subs:       make(map[shared.EventKind][]*subscription),
		byID:       make(map[shared.SubscriptionID]*subscription),
		asyncMode:  cfg.AsyncMode,
		workerPool: make(chan struct{}, cfg.WorkerPoolSize),
		logger:     cfg.Logger.With("component", "eventbus"),
		metrics:    NewMetrics(),
		closeCh:    make(chan struct{}),
	}
}

// On registers a handler for an event kind.
func (b *InMemoryEventBus) On(kind shared.EventKind, handler shared.EventHandler) (shared.SubscriptionID, error) {
	return b.subscribe(kind, handler, false)
}

// Once registers a handler that fires at most once.
func (b *InMemoryEventBus) Once(kind shared.EventKind, handler shared.EventHandler) (shared.SubscriptionID, error) {
	return b.subscribe(kind, handler, true)
}

func (b *InMemoryEventBus) subscribe(kind shared.EventKind, handler shared.EventHandler, once bool) (shared.SubscriptionID, error) {
	if handler == nil {
		return "", ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", ErrEventBusClosed
	}

	sub := &subscription{
		id:      shared.SubscriptionID(uuid.NewString()),
		kind:    kind,
		handler: handler,
		once:    once,
	}
	b.subs[kind] = append(b.subs[kind], sub)
	b.byID[sub.id] = sub
	b.logger.Debug("subscribed handler", "event_kind", kind, "once", once)

	return sub.id, nil
}

// Off removes a previously registered handler. Unknown IDs are ignored.
func (b *InMemoryEventBus) Off(id shared.SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *InMemoryEventBus) removeLocked(id shared.SubscriptionID) {
	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)

	list := b.subs[sub.kind]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.kind] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Publish sends an event to all handlers registered for its kind.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrEventBusClosed
	}

	// Snapshot handlers; once-handlers are consumed under the lock so a
	// concurrent publish cannot fire them twice.
	handlers := make([]shared.EventHandler, 0, len(b.subs[event.Kind()]))
	var consumed []shared.SubscriptionID
	for _, sub := range b.subs[event.Kind()] {
		if sub.once {
			if sub.fired {
				continue
			}
			sub.fired = true
			consumed = append(consumed, sub.id)
		}
		handlers = append(handlers, sub.handler)
	}
	for _, id := range consumed {
		b.removeLocked(id)
	}
	b.mu.Unlock()

	if len(handlers) == 0 {
		return nil
	}

	b.metrics.RecordPublish(event.Kind())

	if b.asyncMode {
		for _, handler := range handlers {
			b.executeAsync(event, handler)
		}
	} else {
		for _, handler := range handlers {
			b.executeSync(event, handler)
		}
	}

	return nil
}

func (b *InMemoryEventBus) executeAsync(event shared.Event, handler shared.EventHandler) {
	b.wg.Add(1)

	go func() {
		defer b.wg.Done()

		select {
		case b.workerPool <- struct{}{}:
			defer func() { <-b.workerPool }()
		case <-b.closeCh:
			return
		}

		b.executeSync(event, handler)
	}()
}

func (b *InMemoryEventBus) executeSync(event shared.Event, handler shared.EventHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordExecution(event.Kind(), false)
			b.logger.Error("handler panic", "event_kind", event.Kind(), "panic", r)
		}
	}()

	start := time.Now()
	err := handler(event)
	b.metrics.RecordExecution(event.Kind(), err == nil)

	if err != nil {
		b.logger.Error("handler error",
			"event_kind", event.Kind(),
			"duration", time.Since(start),
			"error", err,
		)
	}
}

// Close shuts down the bus and waits for in-flight async deliveries.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closeCh)
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Info("event bus closed")
	return nil
}

// Metrics returns the bus metrics tracker.
func (b *InMemoryEventBus) Metrics() *Metrics {
	return b.metrics
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// Metrics tracks publish and handler-execution counts.
type Metrics struct {
	mu         sync.Mutex
	published  map[shared.EventKind]int64
	executions int64
	failures   int64
}

// NewMetrics creates a metrics tracker.
func NewMetrics() *Metrics {
	return &Metrics{published: make(map[shared.EventKind]int64)}
}

// RecordPublish records a published event.
func (m *Metrics) RecordPublish(kind shared.EventKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[kind]++
}

// RecordExecution records a handler execution.
func (m *Metrics) RecordExecution(kind shared.EventKind, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions++
	if !success {
		m.failures++
	}
}

// Snapshot is a point-in-time view of the metrics.
type Snapshot struct {
	TotalPublished  int64
	TotalExecutions int64
	TotalFailures   int64
}

// Snapshot returns a copy of current counts.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var published int64
	for _, v := range m.published {
		published += v
	}
	return Snapshot{
		TotalPublished:  published,
		TotalExecutions: m.executions,
		TotalFailures:   m.failures,
	}
}
