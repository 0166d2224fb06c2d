package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

func newTestBus(t *testing.T) *InMemoryEventBus {
	t.Helper()
	bus := NewInMemoryEventBus(DefaultConfig())
	t.Cleanup(func() { bus.Close() })
	return bus
}

func xpEvent(user string) shared.XPChangedEvent {
	return shared.NewXPChangedEvent("guild-1", "default", user, 0, 100, "test")
}

func TestBus_OnReceivesMatchingKind(t *testing.T) {
	bus := newTestBus(t)

	var got []shared.Event
	_, err := bus.On(shared.EventXPChanged, func(event shared.Event) error {
		got = append(got, event)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(xpEvent("alice")))
	require.NoError(t, bus.Publish(shared.NewLevelUpEvent("guild-1", "default", "alice", 0, 200, 0, 1, "test")))

	require.Len(t, got, 1)
	assert.Equal(t, shared.EventXPChanged, got[0].Kind())
	assert.Equal(t, "alice", got[0].UserID())
}

func TestBus_OnceFiresExactlyOnce(t *testing.T) {
	bus := newTestBus(t)

	calls := 0
	_, err := bus.Once(shared.EventXPChanged, func(shared.Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(xpEvent("alice")))
	require.NoError(t, bus.Publish(xpEvent("bob")))

	assert.Equal(t, 1, calls)
}

func TestBus_OffStopsDelivery(t *testing.T) {
	bus := newTestBus(t)

	calls := 0
	id, err := bus.On(shared.EventXPChanged, func(shared.Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(xpEvent("alice")))
	bus.Off(id)
	require.NoError(t, bus.Publish(xpEvent("alice")))

	assert.Equal(t, 1, calls)

	// Removing an unknown ID is a no-op.
	bus.Off("not-a-subscription")
}

func TestBus_HandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := newTestBus(t)

	secondRan := false
	_, err := bus.On(shared.EventXPChanged, func(shared.Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	_, err = bus.On(shared.EventXPChanged, func(shared.Event) error {
		secondRan = true
		return nil
	})
	require.NoError(t, err)

	// The failing handler must not reach the publisher either.
	require.NoError(t, bus.Publish(xpEvent("alice")))
	assert.True(t, secondRan)

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalExecutions)
	assert.Equal(t, int64(1), snap.TotalFailures)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := newTestBus(t)

	_, err := bus.On(shared.EventXPChanged, func(shared.Event) error {
		panic("handler bug")
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(xpEvent("alice")))
	assert.Equal(t, int64(1), bus.Metrics().Snapshot().TotalFailures)
}

func TestBus_NilHandlerRejected(t *testing.T) {
	bus := newTestBus(t)

	_, err := bus.On(shared.EventXPChanged, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestBus_ClosedBusRejectsOperations(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultConfig())
	require.NoError(t, bus.Close())

	err := bus.Publish(xpEvent("alice"))
	assert.ErrorIs(t, err, ErrEventBusClosed)

	_, err = bus.On(shared.EventXPChanged, func(shared.Event) error { return nil })
	assert.ErrorIs(t, err, ErrEventBusClosed)

	// Closing twice is fine.
	require.NoError(t, bus.Close())
}

func TestBus_AsyncModeDeliversBeforeClose(t *testing.T) {
	bus := NewInMemoryEventBus(Config{AsyncMode: true, WorkerPoolSize: 4})

	done := make(chan string, 8)
	_, err := bus.On(shared.EventXPChanged, func(event shared.Event) error {
		done <- event.UserID()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(xpEvent("alice")))
	require.NoError(t, bus.Publish(xpEvent("bob")))

	// Close waits for in-flight deliveries.
	require.NoError(t, bus.Close())
	assert.Len(t, done, 2)
}

func TestEvents_CarryPartitionAndPayload(t *testing.T) {
	event := shared.NewLevelUpEvent("guild-1", "reputation", "alice", 100, 400, 0, 2, "admin")

	assert.Equal(t, shared.EventLevelUp, event.Kind())
	assert.Equal(t, "guild-1", event.Community())
	assert.Equal(t, "reputation", event.Partition())
	assert.Equal(t, "alice", event.UserID())
	assert.False(t, event.OccurredAt().IsZero())

	payload := event.Payload()
	assert.Equal(t, 2, payload["new_level"])
	assert.Equal(t, "reputation", payload["partition"])
}
