// Package configstore merges three-tier progression configuration
// (system defaults ← global overrides ← per-community overrides) and
// caches the effective result per (community, partition).
package configstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/progression-hub/progression-engine/internal/application/migrate"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

const configKey = "config"

// globalNamespace holds the overrides applied to every community.
var globalNamespace = []string{"progression", "global"}

// InvalidateFunc is notified when cached effective configs are dropped,
// so dependent caches (the curve resolver) can drop theirs too. An empty
// community means everything was invalidated.
type InvalidateFunc func(community, partition string)

// Store resolves and persists progression configuration.
type Store struct {
	store    kv.Store
	migrator *migrate.Migrator
	logger   *slog.Logger

	mu           sync.RWMutex
	cache        map[string]progression.EffectiveConfig
	onInvalidate []InvalidateFunc
}

// NewStore creates a config store.
func NewStore(store kv.Store, migrator *migrate.Migrator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		store:    store,
		migrator: migrator,
		logger:   logger.With("component", "configstore"),
		cache:    make(map[string]progression.EffectiveConfig),
	}
}

// OnInvalidate registers a hook fired after cache invalidation.
func (s *Store) OnInvalidate(fn InvalidateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidate = append(s.onInvalidate, fn)
}

// Get returns the effective config for the partition. Missing tiers fall
// back to defaults so callers never see a partial config.
func (s *Store) Get(ctx context.Context, community, partition string) (progression.EffectiveConfig, error) {
	key := cacheKey(community, partition)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := s.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return progression.EffectiveConfig{}, err
	}

	global, err := s.readTier(ctx, globalNamespace)
	if err != nil {
		return progression.EffectiveConfig{}, err
	}
	local, err := s.readTier(ctx, namespace(community, partition))
	if err != nil {
		return progression.EffectiveConfig{}, err
	}

	effective := progression.Resolve(global, local)

	s.mu.Lock()
	s.cache[key] = effective
	s.mu.Unlock()

	return effective, nil
}

// GetCommunity returns the stored per-community overlay, unresolved.
// Used by the update read-merge-write path and admin surfaces.
func (s *Store) GetCommunity(ctx context.Context, community, partition string) (progression.CommunityConfig, error) {
	if err := s.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return progression.CommunityConfig{}, err
	}
	return s.readTier(ctx, namespace(community, partition))
}

// Set replaces the community overlay wholesale and invalidates the
// partition's cached effective config.
func (s *Store) Set(ctx context.Context, community, partition string, cfg progression.CommunityConfig) error {
	if err := s.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return err
	}
	if err := s.writeTier(ctx, namespace(community, partition), cfg); err != nil {
		return err
	}
	s.invalidate(community, partition)
	return nil
}

// Update applies a partial overlay via read-merge-write and returns the
// new effective config.
func (s *Store) Update(ctx context.Context, community, partition string, patch progression.CommunityConfig) (progression.EffectiveConfig, error) {
	current, err := s.GetCommunity(ctx, community, partition)
	if err != nil {
		return progression.EffectiveConfig{}, err
	}
	if err := s.Set(ctx, community, partition, current.Overlaid(patch)); err != nil {
		return progression.EffectiveConfig{}, err
	}
	return s.Get(ctx, community, partition)
}

// GetGlobal returns the stored global overlay, unresolved.
func (s *Store) GetGlobal(ctx context.Context) (progression.CommunityConfig, error) {
	return s.readTier(ctx, globalNamespace)
}

// SetGlobal replaces the global overlay. Every community may be affected,
// so the entire effective-config cache is dropped.
func (s *Store) SetGlobal(ctx context.Context, cfg progression.CommunityConfig) error {
	if err := s.writeTier(ctx, globalNamespace, cfg); err != nil {
		return err
	}
	s.invalidateAll()
	return nil
}

// Invalidate drops one partition's cached effective config.
func (s *Store) Invalidate(community, partition string) {
	s.invalidate(community, partition)
}

func (s *Store) readTier(ctx context.Context, ns []string) (progression.CommunityConfig, error) {
	raw, err := s.store.Get(ctx, ns, configKey)
	if err != nil {
		return progression.CommunityConfig{}, shared.WrapError("configstore", "readTier", shared.ErrPersistence, "config read failed", err)
	}
	if raw == nil {
		return progression.CommunityConfig{}, nil
	}

	var cfg progression.CommunityConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		// Unreadable overlays fall back to defaults on every read.
		s.logger.Warn("unreadable config tier, falling back to defaults",
			"namespace", kv.JoinNamespace(ns),
			"error", err)
		return progression.CommunityConfig{}, nil
	}
	return cfg, nil
}

func (s *Store) writeTier(ctx context.Context, ns []string, cfg progression.CommunityConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return shared.WrapError("configstore", "writeTier", shared.ErrPersistence, "config marshal failed", err)
	}
	if err := s.store.Set(ctx, ns, configKey, raw); err != nil {
		return shared.WrapError("configstore", "writeTier", shared.ErrPersistence, "config write failed", err)
	}
	return nil
}

func (s *Store) invalidate(community, partition string) {
	s.mu.Lock()
	delete(s.cache, cacheKey(community, partition))
	hooks := make([]InvalidateFunc, len(s.onInvalidate))
	copy(hooks, s.onInvalidate)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(community, partition)
	}
}

func (s *Store) invalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]progression.EffectiveConfig)
	hooks := make([]InvalidateFunc, len(s.onInvalidate))
	copy(hooks, s.onInvalidate)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn("", "")
	}
}

func cacheKey(community, partition string) string {
	return community + kv.PathSeparator + partition
}

func namespace(community, partition string) []string {
	return []string{"progression", partition, community}
}
