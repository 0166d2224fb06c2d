// Package migrate lazily upgrades a (community, partition)'s persisted
// shape to the current schema version on first access.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// CurrentVersion is the schema version this build writes and expects.
const CurrentVersion = 2

// versionKey is the per-partition key holding the stored schema version.
const versionKey = "schemaVersion"

// Step upgrades one (community, partition) from version-1 to version.
// Steps must be idempotent: re-running a step after an uncertain failure
// is the designed recovery path.
type Step func(ctx context.Context, store kv.Store, community, partition string) error

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// Runs registered steps strictly in order on first access, persisting the
// version after each successful step. A per-(community,partition) lock
// coalesces concurrent triggers: callers arriving mid-run wait for the
// in-flight run instead of starting a duplicate.
// ══════════════════════════════════════════════════════════════════════════════

// Migrator upgrades partition state on demand.
type Migrator struct {
	store  kv.Store
	steps  map[int]Step
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*partitionLock
}

// partitionLock is a refcounted keyed mutex. Entries are created lazily
// and removed once the last waiter settles so the map stays bounded.
type partitionLock struct {
	mu   sync.Mutex
	refs int
}

// NewMigrator creates a migrator with the built-in step set.
func NewMigrator(store kv.Store, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		store: store,
		steps: map[int]Step{
			1: stepInitMembership,
			2: stepBackfillCounters,
		},
		logger: logger.With("component", "migrator"),
		locks:  make(map[string]*partitionLock),
	}
}

// EnsureCurrent brings the partition to CurrentVersion. Invoked as the
// first step of every ledger or config read; a no-op once up to date.
func (m *Migrator) EnsureCurrent(ctx context.Context, community, partition string) error {
	lock := m.acquire(community, partition)
	defer m.release(community, partition)

	lock.mu.Lock()
	defer lock.mu.Unlock()

	version, err := m.storedVersion(ctx, community, partition)
	if err != nil {
		return err
	}
	if version >= CurrentVersion {
		return nil
	}

	for next := version + 1; next <= CurrentVersion; next++ {
		step, ok := m.steps[next]
		if !ok {
			return shared.NewDomainError("migrate", "EnsureCurrent", shared.ErrMigrationFailed,
				fmt.Sprintf("no step registered for version %d", next))
		}

		if err := step(ctx, m.store, community, partition); err != nil {
			// Version stays untouched so a retry re-runs this step.
			return shared.WrapError("migrate", "EnsureCurrent", shared.ErrMigrationFailed,
				fmt.Sprintf("step %d failed", next), err)
		}
		if err := m.writeVersion(ctx, community, partition, next); err != nil {
			return err
		}

		m.logger.Info("partition migrated",
			"community", community,
			"partition", partition,
			"version", next)
	}

	return nil
}

func (m *Migrator) acquire(community, partition string) *partitionLock {
	key := community + kv.PathSeparator + partition

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		lock = &partitionLock{}
		m.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (m *Migrator) release(community, partition string) {
	key := community + kv.PathSeparator + partition

	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(m.locks, key)
	}
}

func (m *Migrator) storedVersion(ctx context.Context, community, partition string) (int, error) {
	raw, err := m.store.Get(ctx, namespace(community, partition), versionKey)
	if err != nil {
		return 0, shared.WrapError("migrate", "storedVersion", shared.ErrPersistence, "version read failed", err)
	}
	if raw == nil {
		return 0, nil
	}

	var version int
	if err := json.Unmarshal(raw, &version); err != nil {
		// Treat garbage as version 0; the steps are idempotent.
		m.logger.Warn("unreadable schema version, re-running migrations",
			"community", community,
			"partition", partition,
			"error", err)
		return 0, nil
	}
	if version < 0 {
		version = 0
	}
	return version, nil
}

func (m *Migrator) writeVersion(ctx context.Context, community, partition string, version int) error {
	raw, err := json.Marshal(version)
	if err != nil {
		return shared.WrapError("migrate", "writeVersion", shared.ErrMigrationFailed, "version marshal failed", err)
	}
	if err := m.store.Set(ctx, namespace(community, partition), versionKey, raw); err != nil {
		return shared.WrapError("migrate", "writeVersion", shared.ErrPersistence, "version write failed", err)
	}
	return nil
}

// namespace is the hierarchical path for one partition's collection.
func namespace(community, partition string) []string {
	return []string{"progression", partition, community}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION STEPS
// ══════════════════════════════════════════════════════════════════════════════

// stepInitMembership (v0 → v1) materializes the membership set. Older
// deployments had no membership tracking; the store cannot enumerate
// keys, so the set starts empty and fills on subsequent awards.
func stepInitMembership(ctx context.Context, store kv.Store, community, partition string) error {
	ns := namespace(community, partition)

	raw, err := store.Get(ctx, ns, "members")
	if err != nil {
		return err
	}
	if raw != nil {
		return nil
	}

	empty, err := json.Marshal(progression.MembershipSet{Users: []string{}})
	if err != nil {
		return err
	}
	return store.Set(ctx, ns, "members", empty)
}

// stepBackfillCounters (v1 → v2) normalizes every known user record so the
// message counters introduced with v2 are present and internally consistent.
func stepBackfillCounters(ctx context.Context, store kv.Store, community, partition string) error {
	ns := namespace(community, partition)

	raw, err := store.Get(ctx, ns, "members")
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	var members progression.MembershipSet
	if err := json.Unmarshal(raw, &members); err != nil {
		return err
	}

	for _, user := range members.Users {
		key := "users" + kv.PathSeparator + user

		rawRecord, err := store.Get(ctx, ns, key)
		if err != nil {
			return err
		}
		if rawRecord == nil {
			continue
		}

		var record progression.UserRecord
		if err := json.Unmarshal(rawRecord, &record); err != nil {
			return err
		}
		record.Normalize()

		updated, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := store.Set(ctx, ns, key, updated); err != nil {
			return err
		}
	}

	return nil
}
