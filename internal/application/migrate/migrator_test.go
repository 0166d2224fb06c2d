package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// faultyStore fails writes to one key until disarmed.
type faultyStore struct {
	*kv.MemoryStore
	mu      sync.Mutex
	failKey string
}

func (s *faultyStore) Set(ctx context.Context, namespace []string, key string, value []byte) error {
	s.mu.Lock()
	failKey := s.failKey
	s.mu.Unlock()

	if key == failKey {
		return errors.New("disk on fire")
	}
	return s.MemoryStore.Set(ctx, namespace, key, value)
}

func (s *faultyStore) disarm() {
	s.mu.Lock()
	s.failKey = ""
	s.mu.Unlock()
}

func storedVersion(t *testing.T, store kv.Store, community, partition string) int {
	t.Helper()
	raw, err := store.Get(context.Background(), namespace(community, partition), versionKey)
	require.NoError(t, err)
	if raw == nil {
		return 0
	}
	var v int
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestEnsureCurrent_FreshPartition(t *testing.T) {
	store := kv.NewMemoryStore()
	m := NewMigrator(store, nil)

	require.NoError(t, m.EnsureCurrent(context.Background(), "guild-1", "default"))
	assert.Equal(t, CurrentVersion, storedVersion(t, store, "guild-1", "default"))

	// The membership set exists after the first step.
	raw, err := store.Get(context.Background(), namespace("guild-1", "default"), "members")
	require.NoError(t, err)
	require.NotNil(t, raw)

	var members progression.MembershipSet
	require.NoError(t, json.Unmarshal(raw, &members))
	assert.Empty(t, members.Users)
}

func TestEnsureCurrent_Idempotent(t *testing.T) {
	store := kv.NewMemoryStore()
	m := NewMigrator(store, nil)

	require.NoError(t, m.EnsureCurrent(context.Background(), "guild-1", "default"))
	writes := store.Writes()

	require.NoError(t, m.EnsureCurrent(context.Background(), "guild-1", "default"))
	assert.Equal(t, writes, store.Writes(), "an up-to-date partition must not be rewritten")
}

func TestEnsureCurrent_FailureLeavesVersionUntouched(t *testing.T) {
	store := &faultyStore{MemoryStore: kv.NewMemoryStore(), failKey: "members"}
	m := NewMigrator(store, nil)

	err := m.EnsureCurrent(context.Background(), "guild-1", "default")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrMigrationFailed)
	assert.Equal(t, 0, storedVersion(t, store, "guild-1", "default"))

	// Once the store recovers, the same step re-runs cleanly.
	store.disarm()
	require.NoError(t, m.EnsureCurrent(context.Background(), "guild-1", "default"))
	assert.Equal(t, CurrentVersion, storedVersion(t, store, "guild-1", "default"))
}

func TestEnsureCurrent_BackfillNormalizesRecords(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	ns := namespace("guild-1", "default")

	// Simulate a v1 partition: membership exists, version is 1, and one
	// record carries inconsistent counters.
	members, _ := json.Marshal(progression.MembershipSet{Users: []string{"alice"}})
	require.NoError(t, store.Set(ctx, ns, "members", members))
	record, _ := json.Marshal(progression.UserRecord{XP: 500, Level: 2, MessageCount: 3, XPMessageCount: 9})
	require.NoError(t, store.Set(ctx, ns, "users/alice", record))
	version, _ := json.Marshal(1)
	require.NoError(t, store.Set(ctx, ns, versionKey, version))

	m := NewMigrator(store, nil)
	require.NoError(t, m.EnsureCurrent(ctx, "guild-1", "default"))

	raw, err := store.Get(ctx, ns, "users/alice")
	require.NoError(t, err)
	var migrated progression.UserRecord
	require.NoError(t, json.Unmarshal(raw, &migrated))
	assert.Equal(t, int64(3), migrated.MessageCount)
	assert.Equal(t, int64(3), migrated.XPMessageCount, "counter pair must be clamped consistent")
}

func TestEnsureCurrent_ConcurrentCallersCoalesce(t *testing.T) {
	store := kv.NewMemoryStore()
	m := NewMigrator(store, nil)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureCurrent(context.Background(), "guild-1", "default")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, CurrentVersion, storedVersion(t, store, "guild-1", "default"))

	// Lock entries are removed once the callers settle.
	m.mu.Lock()
	assert.Empty(t, m.locks)
	m.mu.Unlock()
}

func TestEnsureCurrent_GarbageVersionRerunsSafely(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	ns := namespace("guild-1", "default")
	require.NoError(t, store.Set(ctx, ns, versionKey, []byte("not json")))

	m := NewMigrator(store, nil)
	require.NoError(t, m.EnsureCurrent(ctx, "guild-1", "default"))
	assert.Equal(t, CurrentVersion, storedVersion(t, store, "guild-1", "default"))
}
