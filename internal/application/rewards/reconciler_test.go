package rewards

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progression-hub/progression-engine/internal/application/configstore"
	"github.com/progression-hub/progression-engine/internal/application/migrate"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// recordingManager captures grant/revoke calls and can simulate failures.
type recordingManager struct {
	mu      sync.Mutex
	granted []string
	revoked []string
	failOn  string
}

func (m *recordingManager) AssignRole(_ context.Context, _, _, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if roleID == m.failOn {
		return errors.New("api error")
	}
	m.granted = append(m.granted, roleID)
	return nil
}

func (m *recordingManager) RemoveRole(_ context.Context, _, _, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, roleID)
	return nil
}

func (m *recordingManager) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = nil
	m.revoked = nil
}

type rewardRig struct {
	reconciler *Reconciler
	configs    *configstore.Store
	manager    *recordingManager
	bus        *messaging.InMemoryEventBus
}

func newRewardRig(t *testing.T) *rewardRig {
	t.Helper()

	store := kv.NewMemoryStore()
	configs := configstore.NewStore(store, migrate.NewMigrator(store, nil), nil)
	bus := messaging.NewInMemoryEventBus(messaging.DefaultConfig())
	t.Cleanup(func() { bus.Close() })

	manager := &recordingManager{}
	reconciler, err := NewReconciler(configs, manager, bus, nil)
	require.NoError(t, err)

	return &rewardRig{reconciler: reconciler, configs: configs, manager: manager, bus: bus}
}

func modePtr(m progression.RewardMode) *progression.RewardMode { return &m }
func boolPtr(v bool) *bool                                     { return &v }

func tieredRewards() []progression.RoleReward {
	return []progression.RoleReward{
		{Level: 5, RoleID: "bronze"},
		{Level: 10, RoleID: "silver"},
		{Level: 20, RoleID: "gold"},
	}
}

func TestStackMode_GrantsUnionOfQualifying(t *testing.T) {
	rig := newRewardRig(t)
	ctx := context.Background()

	require.NoError(t, rig.configs.Set(ctx, "guild-1", progression.DefaultPartition, progression.CommunityConfig{
		RoleRewards: tieredRewards(),
	}))

	require.NoError(t, rig.bus.Publish(shared.NewLevelUpEvent("guild-1", progression.DefaultPartition, "alice", 0, 9_000, 0, 12, "test")))

	assert.Equal(t, []string{"bronze", "silver"}, rig.manager.granted)
	assert.Empty(t, rig.manager.revoked)
}

func TestReplaceMode_GrantsOnlyHighestAndRevokesRest(t *testing.T) {
	rig := newRewardRig(t)
	ctx := context.Background()

	require.NoError(t, rig.configs.Set(ctx, "guild-1", progression.DefaultPartition, progression.CommunityConfig{
		RoleRewards: tieredRewards(),
		RewardMode:  modePtr(progression.RewardModeReplace),
	}))

	require.NoError(t, rig.bus.Publish(shared.NewLevelUpEvent("guild-1", progression.DefaultPartition, "alice", 0, 9_000, 0, 12, "test")))

	assert.Equal(t, []string{"silver"}, rig.manager.granted)
	assert.ElementsMatch(t, []string{"bronze", "gold"}, rig.manager.revoked)
}

func TestLevelDown_RevokesOnlyWhenConfigured(t *testing.T) {
	rig := newRewardRig(t)
	ctx := context.Background()

	require.NoError(t, rig.configs.Set(ctx, "guild-1", progression.DefaultPartition, progression.CommunityConfig{
		RoleRewards: tieredRewards(),
	}))

	// Default: keep earned roles on level-down.
	require.NoError(t, rig.bus.Publish(shared.NewLevelDownEvent("guild-1", progression.DefaultPartition, "alice", 9_000, 1_000, 12, 7, "test")))
	assert.Equal(t, []string{"bronze"}, rig.manager.granted)
	assert.Empty(t, rig.manager.revoked)

	rig.manager.reset()
	require.NoError(t, rig.configs.Set(ctx, "guild-1", progression.DefaultPartition, progression.CommunityConfig{
		RoleRewards:       tieredRewards(),
		RevokeOnLevelDown: boolPtr(true),
	}))

	require.NoError(t, rig.bus.Publish(shared.NewLevelDownEvent("guild-1", progression.DefaultPartition, "alice", 9_000, 1_000, 12, 7, "test")))
	assert.Equal(t, []string{"bronze"}, rig.manager.granted)
	assert.ElementsMatch(t, []string{"silver", "gold"}, rig.manager.revoked)
}

func TestReconcile_Idempotent(t *testing.T) {
	rig := newRewardRig(t)
	ctx := context.Background()

	require.NoError(t, rig.configs.Set(ctx, "guild-1", progression.DefaultPartition, progression.CommunityConfig{
		RoleRewards: tieredRewards(),
	}))

	require.NoError(t, rig.reconciler.Reconcile(ctx, "guild-1", "alice", 12, false))
	first := append([]string(nil), rig.manager.granted...)

	rig.manager.reset()
	require.NoError(t, rig.reconciler.Reconcile(ctx, "guild-1", "alice", 12, false))

	assert.Equal(t, first, rig.manager.granted, "same level must produce the identical target set")
}

func TestDedupeRewards_KeepsHighestLevel(t *testing.T) {
	deduped := DedupeRewards([]progression.RoleReward{
		{Level: 5, RoleID: "veteran"},
		{Level: 15, RoleID: "veteran"},
		{Level: 10, RoleID: "elite"},
		{Level: -1, RoleID: "broken"},
		{Level: 3, RoleID: ""},
	})

	assert.Equal(t, []progression.RoleReward{
		{Level: 10, RoleID: "elite"},
		{Level: 15, RoleID: "veteran"},
	}, deduped)
}

func TestNonDefaultPartition_Ignored(t *testing.T) {
	rig := newRewardRig(t)
	ctx := context.Background()

	require.NoError(t, rig.configs.Set(ctx, "guild-1", progression.DefaultPartition, progression.CommunityConfig{
		RoleRewards: tieredRewards(),
	}))

	require.NoError(t, rig.bus.Publish(shared.NewLevelUpEvent("guild-1", "reputation", "alice", 0, 9_000, 0, 12, "test")))

	assert.Empty(t, rig.manager.granted)
	assert.Empty(t, rig.manager.revoked)
}

func TestCollaboratorFailure_DoesNotStopOtherGrants(t *testing.T) {
	rig := newRewardRig(t)
	ctx := context.Background()

	require.NoError(t, rig.configs.Set(ctx, "guild-1", progression.DefaultPartition, progression.CommunityConfig{
		RoleRewards: tieredRewards(),
	}))
	rig.manager.failOn = "bronze"

	// The failing grant is logged; the path never errors.
	require.NoError(t, rig.bus.Publish(shared.NewLevelUpEvent("guild-1", progression.DefaultPartition, "alice", 0, 9_000, 0, 12, "test")))
	assert.Equal(t, []string{"silver"}, rig.manager.granted)
}

func TestNoRewardsConfigured_NoCalls(t *testing.T) {
	rig := newRewardRig(t)

	require.NoError(t, rig.bus.Publish(shared.NewLevelUpEvent("guild-1", progression.DefaultPartition, "alice", 0, 9_000, 0, 12, "test")))
	assert.Empty(t, rig.manager.granted)
}

func TestTargetRoles(t *testing.T) {
	deduped := DedupeRewards(tieredRewards())

	assert.Nil(t, TargetRoles(deduped, progression.RewardModeStack, 3))
	assert.Equal(t, []string{"bronze"}, TargetRoles(deduped, progression.RewardModeStack, 5))
	assert.Equal(t, []string{"bronze", "silver", "gold"}, TargetRoles(deduped, progression.RewardModeStack, 50))
	assert.Equal(t, []string{"gold"}, TargetRoles(deduped, progression.RewardModeReplace, 50))
}
