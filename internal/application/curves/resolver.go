// Package curves resolves the level↔XP conversion curve for a
// (community, partition) with three-tier precedence: a registered dynamic
// provider, then the community's configured curve descriptor, then the
// system default quadratic curve.
package curves

import (
	"context"
	"log/slog"
	"sync"

	"github.com/progression-hub/progression-engine/internal/application/configstore"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// DynamicProvider supplies a curve at call time. Returning (nil, nil)
// falls through to the configured descriptor. The provider is consulted
// fresh on every resolution, never memoized, so host applications can
// swap curves at runtime.
type DynamicProvider func(ctx context.Context, community, partition string) (progression.Curve, error)

// Resolver builds and memoizes curves per (community, partition).
type Resolver struct {
	configs *configstore.Store
	logger  *slog.Logger

	mu       sync.RWMutex
	provider DynamicProvider
	cache    map[string]progression.Curve
}

// NewResolver creates a resolver backed by the config store. It registers
// itself for config invalidation so curve and config caches stay in step.
func NewResolver(configs *configstore.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		configs: configs,
		logger:  logger.With("component", "curves"),
		cache:   make(map[string]progression.Curve),
	}
	configs.OnInvalidate(func(community, partition string) {
		if community == "" {
			r.InvalidateAll()
			return
		}
		r.Invalidate(community, partition)
	})
	return r
}

// RegisterDynamic installs the highest-precedence curve provider.
// Passing nil removes it. Cached curves are dropped either way.
func (r *Resolver) RegisterDynamic(provider DynamicProvider) {
	r.mu.Lock()
	r.provider = provider
	r.cache = make(map[string]progression.Curve)
	r.mu.Unlock()
}

// Resolve returns the curve for the partition.
func (r *Resolver) Resolve(ctx context.Context, community, partition string) (progression.Curve, error) {
	r.mu.RLock()
	provider := r.provider
	r.mu.RUnlock()

	if provider != nil {
		curve, err := provider(ctx, community, partition)
		if err != nil {
			return nil, shared.WrapError("curves", "Resolve", shared.ErrNotReady, "dynamic curve provider failed", err)
		}
		if curve != nil {
			return curve, nil
		}
	}

	key := cacheKey(community, partition)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	cfg, err := r.configs.Get(ctx, community, partition)
	if err != nil {
		return nil, err
	}

	var curve progression.Curve
	if cfg.Curve != nil {
		curve, err = progression.BuildCurve(*cfg.Curve)
		if err != nil {
			// A descriptor that stopped validating must not brick the
			// partition; log and serve the default curve instead.
			r.logger.Error("invalid configured curve, using default",
				"community", community,
				"partition", partition,
				"error", err)
			curve = progression.DefaultCurve()
		}
	} else {
		curve = progression.DefaultCurve()
	}

	r.mu.Lock()
	r.cache[key] = curve
	r.mu.Unlock()

	return curve, nil
}

// Invalidate drops one partition's memoized curve.
func (r *Resolver) Invalidate(community, partition string) {
	r.mu.Lock()
	delete(r.cache, cacheKey(community, partition))
	r.mu.Unlock()
}

// InvalidateAll drops every memoized curve.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	r.cache = make(map[string]progression.Curve)
	r.mu.Unlock()
}

func cacheKey(community, partition string) string {
	return community + kv.PathSeparator + partition
}
