package xpcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progression-hub/progression-engine/internal/application/configstore"
	"github.com/progression-hub/progression-engine/internal/application/curves"
	"github.com/progression-hub/progression-engine/internal/application/ledger"
	"github.com/progression-hub/progression-engine/internal/application/migrate"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// testRig wires a core over in-memory infrastructure with an event
// recorder attached.
type testRig struct {
	core    *Core
	configs *configstore.Store
	bus     *messaging.InMemoryEventBus
	events  *[]shared.Event
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := kv.NewMemoryStore()
	migrator := migrate.NewMigrator(store, nil)
	userLedger := ledger.NewLedger(store, migrator, nil)
	configs := configstore.NewStore(store, migrator, nil)
	resolver := curves.NewResolver(configs, nil)
	bus := messaging.NewInMemoryEventBus(messaging.DefaultConfig())
	t.Cleanup(func() { bus.Close() })

	events := &[]shared.Event{}
	for _, kind := range []shared.EventKind{shared.EventXPChanged, shared.EventLevelUp, shared.EventLevelDown} {
		_, err := bus.On(kind, func(event shared.Event) error {
			*events = append(*events, event)
			return nil
		})
		require.NoError(t, err)
	}

	return &testRig{
		core:    NewCore(userLedger, resolver, configs, bus, nil),
		configs: configs,
		bus:     bus,
		events:  events,
	}
}

func (r *testRig) kinds() []shared.EventKind {
	out := make([]shared.EventKind, 0, len(*r.events))
	for _, e := range *r.events {
		out = append(out, e.Kind())
	}
	return out
}

func (r *testRig) clearEvents() {
	*r.events = (*r.events)[:0]
}

func TestAdd_LevelUpScenario(t *testing.T) {
	rig := newTestRig(t)

	result, err := rig.core.Add(context.Background(), "guild-1", "alice", 200, Options{Reason: "quest"})
	require.NoError(t, err)

	// 155 is the level-1 threshold on the default curve.
	assert.Equal(t, int64(0), result.OldXP)
	assert.Equal(t, int64(200), result.NewXP)
	assert.Equal(t, 0, result.OldLevel)
	assert.Equal(t, 1, result.NewLevel)
	assert.True(t, result.Changed)

	assert.Equal(t, []shared.EventKind{shared.EventXPChanged, shared.EventLevelUp}, rig.kinds())

	up, ok := (*rig.events)[1].(shared.LevelUpEvent)
	require.True(t, ok)
	assert.Equal(t, 1, up.NewLevel)
	assert.Equal(t, "quest", up.Reason)
	assert.Equal(t, progression.DefaultPartition, up.Partition())
}

func TestAdd_NegativeAmountRejected(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.core.Add(context.Background(), "guild-1", "alice", -5, Options{})
	assert.ErrorIs(t, err, shared.ErrInvalidArgument)
	assert.Empty(t, *rig.events)
}

func TestAdd_NoChangeNoEvents(t *testing.T) {
	rig := newTestRig(t)

	result, err := rig.core.Add(context.Background(), "guild-1", "alice", 0, Options{})
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Empty(t, *rig.events)
}

func TestRemove_ClampsAtZero(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.core.Add(ctx, "guild-1", "alice", 200, Options{})
	require.NoError(t, err)
	rig.clearEvents()

	result, err := rig.core.Remove(ctx, "guild-1", "alice", 10_000, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), result.NewXP)
	assert.Equal(t, 0, result.NewLevel)

	assert.Equal(t, []shared.EventKind{shared.EventXPChanged, shared.EventLevelDown}, rig.kinds())
}

func TestSet_EmitsDirectionalLevelEvent(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	result, err := rig.core.Set(ctx, "guild-1", "alice", 400, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewLevel)
	assert.Equal(t, []shared.EventKind{shared.EventXPChanged, shared.EventLevelUp}, rig.kinds())
	rig.clearEvents()

	result, err = rig.core.Set(ctx, "guild-1", "alice", 160, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.NewLevel)
	assert.Equal(t, []shared.EventKind{shared.EventXPChanged, shared.EventLevelDown}, rig.kinds())
	rig.clearEvents()

	// Same level, different XP: no level event.
	result, err = rig.core.Set(ctx, "guild-1", "alice", 170, Options{})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, []shared.EventKind{shared.EventXPChanged}, rig.kinds())

	_, err = rig.core.Set(ctx, "guild-1", "alice", -1, Options{})
	assert.ErrorIs(t, err, shared.ErrInvalidArgument)
}

func TestRecalculate_RepairsLevelAfterCurveChange(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.core.Set(ctx, "guild-1", "alice", 400, Options{})
	require.NoError(t, err)
	rig.clearEvents()

	// No drift yet: recalculation is a no-op.
	result, err := rig.core.Recalculate(ctx, "guild-1", "alice", Options{})
	require.NoError(t, err)
	assert.False(t, result.Changed)
	assert.Empty(t, *rig.events)

	// A cheaper curve makes 400 XP worth more levels.
	require.NoError(t, rig.configs.Set(ctx, "guild-1", "default", progression.CommunityConfig{
		Curve: &progression.CurveDescriptor{Kind: progression.CurveLinear, Slope: 0, Intercept: 100},
	}))

	result, err = rig.core.Recalculate(ctx, "guild-1", "alice", Options{})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, int64(400), result.NewXP)
	assert.Equal(t, 4, result.NewLevel)

	// XP did not move, so only the level event goes out.
	assert.Equal(t, []shared.EventKind{shared.EventLevelUp}, rig.kinds())
}

func TestMaxLevel_CapsEveryOperation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	require.NoError(t, rig.configs.Set(ctx, "guild-1", "default", progression.CommunityConfig{
		Curve: &progression.CurveDescriptor{Kind: progression.CurveLinear, Slope: 0, Intercept: 100, MaxLevel: 3},
	}))

	// XP is preserved past the cap; only the level is clamped.
	result, err := rig.core.Set(ctx, "guild-1", "alice", 100_000, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), result.NewXP)
	assert.Equal(t, 3, result.NewLevel)

	result, err = rig.core.Add(ctx, "guild-1", "alice", 500, Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewLevel)
}

func TestPartitions_TrackIndependently(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.core.Add(ctx, "guild-1", "alice", 500, Options{})
	require.NoError(t, err)
	_, err = rig.core.Add(ctx, "guild-1", "alice", 100, Options{Partition: "reputation"})
	require.NoError(t, err)

	defaultXP, err := rig.core.GetXP(ctx, "guild-1", "alice", Options{})
	require.NoError(t, err)
	repXP, err := rig.core.GetXP(ctx, "guild-1", "alice", Options{Partition: "reputation"})
	require.NoError(t, err)

	assert.Equal(t, int64(500), defaultXP)
	assert.Equal(t, int64(100), repXP)
}

func TestReset_EmitsCatchUpEvents(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	_, err := rig.core.Add(ctx, "guild-1", "alice", 400, Options{})
	require.NoError(t, err)
	rig.clearEvents()

	require.NoError(t, rig.core.Reset(ctx, "guild-1", "alice", Options{}))

	record, err := rig.core.GetRecord(ctx, "guild-1", "alice", Options{})
	require.NoError(t, err)
	assert.Equal(t, progression.UserRecord{}, record)

	assert.Equal(t, []shared.EventKind{shared.EventXPChanged, shared.EventLevelDown}, rig.kinds())
}

func TestSubscriberFailure_DoesNotAffectMutation(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.bus.On(shared.EventXPChanged, func(shared.Event) error {
		panic("bad subscriber")
	})
	require.NoError(t, err)

	result, err := rig.core.Add(context.Background(), "guild-1", "alice", 200, Options{})
	require.NoError(t, err)
	assert.True(t, result.Changed)

	// The mutation persisted despite the panicking subscriber.
	xp, err := rig.core.GetXP(context.Background(), "guild-1", "alice", Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(200), xp)
}

func TestCooldownClock_IsInjectable(t *testing.T) {
	rig := newTestRig(t)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rig.core.now = func() time.Time { return fixed }

	result, err := rig.core.AwardFromMessage(context.Background(), "guild-1", "alice", MessageContext{BaseRoll: 20})
	require.NoError(t, err)
	require.True(t, result.Awarded)

	record, err := rig.core.GetRecord(context.Background(), "guild-1", "alice", Options{})
	require.NoError(t, err)
	assert.Equal(t, fixed.UnixMilli(), record.LastAwardedAt)
}
