// Package engine wires the progression components together and exposes
// the public API surface: mutations, queries, leaderboards, configuration,
// and event subscription.
package engine

import (
	"context"
	"log/slog"

	"github.com/progression-hub/progression-engine/internal/application/configstore"
	"github.com/progression-hub/progression-engine/internal/application/curves"
	"github.com/progression-hub/progression-engine/internal/application/leaderboard"
	"github.com/progression-hub/progression-engine/internal/application/ledger"
	"github.com/progression-hub/progression-engine/internal/application/migrate"
	"github.com/progression-hub/progression-engine/internal/application/rewards"
	"github.com/progression-hub/progression-engine/internal/application/xpcore"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/external/roles"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// Engine is the progression engine facade.
type Engine struct {
	migrator    *migrate.Migrator
	ledger      *ledger.Ledger
	configs     *configstore.Store
	curves      *curves.Resolver
	core        *xpcore.Core
	leaderboard *leaderboard.Cache
	reconciler  *rewards.Reconciler
	bus         shared.EventBus
	logger      *slog.Logger
}

// New wires an engine over the given store, bus, and role manager.
// A nil role manager disables reward reconciliation side effects.
func New(store kv.Store, bus shared.EventBus, manager roles.Manager, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if manager == nil {
		manager = roles.NopManager{}
	}

	migrator := migrate.NewMigrator(store, logger)
	userLedger := ledger.NewLedger(store, migrator, logger)
	configs := configstore.NewStore(store, migrator, logger)
	resolver := curves.NewResolver(configs, logger)
	core := xpcore.NewCore(userLedger, resolver, configs, bus, logger)

	board, err := leaderboard.NewCache(userLedger, bus, logger)
	if err != nil {
		return nil, err
	}
	reconciler, err := rewards.NewReconciler(configs, manager, bus, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		migrator:    migrator,
		ledger:      userLedger,
		configs:     configs,
		curves:      resolver,
		core:        core,
		leaderboard: board,
		reconciler:  reconciler,
		bus:         bus,
		logger:      logger.With("component", "engine"),
	}, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MUTATION API
// ══════════════════════════════════════════════════════════════════════════════

// AddXP increases a user's XP.
func (e *Engine) AddXP(ctx context.Context, community, user string, amount int64, opts xpcore.Options) (xpcore.MutationResult, error) {
	return e.core.Add(ctx, community, user, amount, opts)
}

// RemoveXP decreases a user's XP, clamping at zero.
func (e *Engine) RemoveXP(ctx context.Context, community, user string, amount int64, opts xpcore.Options) (xpcore.MutationResult, error) {
	return e.core.Remove(ctx, community, user, amount, opts)
}

// SetXP replaces a user's XP total.
func (e *Engine) SetXP(ctx context.Context, community, user string, total int64, opts xpcore.Options) (xpcore.MutationResult, error) {
	return e.core.Set(ctx, community, user, total, opts)
}

// Recalculate re-derives a user's level from stored XP with the current
// curve.
func (e *Engine) Recalculate(ctx context.Context, community, user string, opts xpcore.Options) (xpcore.MutationResult, error) {
	return e.core.Recalculate(ctx, community, user, opts)
}

// AwardFromMessage runs one message-trigger through the award gate.
func (e *Engine) AwardFromMessage(ctx context.Context, community, user string, msg xpcore.MessageContext) (xpcore.AwardResult, error) {
	return e.core.AwardFromMessage(ctx, community, user, msg)
}

// ResetUser removes a user's record and membership tracking.
func (e *Engine) ResetUser(ctx context.Context, community, user string, opts xpcore.Options) error {
	return e.core.Reset(ctx, community, user, opts)
}

// ══════════════════════════════════════════════════════════════════════════════
// QUERY API
// ══════════════════════════════════════════════════════════════════════════════

// GetXP returns a user's XP total.
func (e *Engine) GetXP(ctx context.Context, community, user string, opts xpcore.Options) (int64, error) {
	return e.core.GetXP(ctx, community, user, opts)
}

// GetLevel returns a user's level.
func (e *Engine) GetLevel(ctx context.Context, community, user string, opts xpcore.Options) (int, error) {
	return e.core.GetLevel(ctx, community, user, opts)
}

// GetUserRecord returns a user's full progression record.
func (e *Engine) GetUserRecord(ctx context.Context, community, user string, opts xpcore.Options) (progression.UserRecord, error) {
	return e.core.GetRecord(ctx, community, user, opts)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEADERBOARD API
// ══════════════════════════════════════════════════════════════════════════════

// LeaderboardPage is one window of ranked entries.
type LeaderboardPage struct {
	Entries []leaderboard.Entry `json:"entries"`
	Total   int                 `json:"total"`
}

// UserRank locates one user on the leaderboard.
type UserRank struct {
	Rank  int `json:"rank"`
	Total int `json:"total"`
}

// LeaderboardOptions control leaderboard reads.
type LeaderboardOptions struct {
	// Partition selects the progression track. Empty means default.
	Partition string

	// IncludeHidden serves communities whose leaderboard is configured
	// non-public. Intended for administrative surfaces.
	IncludeHidden bool
}

func (o LeaderboardOptions) partition() string {
	if o.Partition == "" {
		return progression.DefaultPartition
	}
	return o.Partition
}

// GetLeaderboard returns the window [offset, offset+limit).
func (e *Engine) GetLeaderboard(ctx context.Context, community string, offset, limit int, opts LeaderboardOptions) (LeaderboardPage, error) {
	partition := opts.partition()
	if err := e.checkVisibility(ctx, community, partition, opts.IncludeHidden); err != nil {
		return LeaderboardPage{}, err
	}

	entries, total, err := e.leaderboard.Get(ctx, community, partition, offset, limit)
	if err != nil {
		return LeaderboardPage{}, err
	}
	return LeaderboardPage{Entries: entries, Total: total}, nil
}

// GetUserRank returns the user's rank, or (nil) found=false when the user
// has no XP.
func (e *Engine) GetUserRank(ctx context.Context, community, user string, opts LeaderboardOptions) (UserRank, bool, error) {
	partition := opts.partition()
	if err := e.checkVisibility(ctx, community, partition, opts.IncludeHidden); err != nil {
		return UserRank{}, false, err
	}

	rank, total, found, err := e.leaderboard.GetUserRank(ctx, community, partition, user)
	if err != nil || !found {
		return UserRank{}, false, err
	}
	return UserRank{Rank: rank, Total: total}, true, nil
}

// RefreshLeaderboard forces a rebuild of the partition's cached slice.
func (e *Engine) RefreshLeaderboard(ctx context.Context, community string, opts LeaderboardOptions) error {
	return e.leaderboard.Refresh(ctx, community, opts.partition())
}

// ClearLeaderboards drops every cached leaderboard slice.
func (e *Engine) ClearLeaderboards() {
	e.leaderboard.ClearAll()
}

func (e *Engine) checkVisibility(ctx context.Context, community, partition string, includeHidden bool) error {
	if includeHidden {
		return nil
	}
	cfg, err := e.configs.Get(ctx, community, partition)
	if err != nil {
		return err
	}
	if !cfg.LeaderboardPublic {
		return shared.NewDomainError("engine", "checkVisibility", shared.ErrNotFound, "leaderboard is not public")
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIG API
// ══════════════════════════════════════════════════════════════════════════════

// GetConfig returns the effective config for a community partition.
func (e *Engine) GetConfig(ctx context.Context, community, partition string) (progression.EffectiveConfig, error) {
	return e.configs.Get(ctx, community, normalizePartition(partition))
}

// SetConfig replaces the community overlay wholesale.
func (e *Engine) SetConfig(ctx context.Context, community, partition string, cfg progression.CommunityConfig) error {
	return e.configs.Set(ctx, community, normalizePartition(partition), cfg)
}

// UpdateConfig applies a partial overlay and returns the new effective
// config.
func (e *Engine) UpdateConfig(ctx context.Context, community, partition string, patch progression.CommunityConfig) (progression.EffectiveConfig, error) {
	return e.configs.Update(ctx, community, normalizePartition(partition), patch)
}

// GetGlobalConfig returns the stored global overlay.
func (e *Engine) GetGlobalConfig(ctx context.Context) (progression.CommunityConfig, error) {
	return e.configs.GetGlobal(ctx)
}

// SetGlobalConfig replaces the global overlay and drops every cached
// effective config.
func (e *Engine) SetGlobalConfig(ctx context.Context, cfg progression.CommunityConfig) error {
	return e.configs.SetGlobal(ctx, cfg)
}

// RegisterCurveProvider installs the highest-precedence dynamic curve
// provider. Passing nil removes it.
func (e *Engine) RegisterCurveProvider(provider curves.DynamicProvider) {
	e.curves.RegisterDynamic(provider)
}

// ══════════════════════════════════════════════════════════════════════════════
// EVENT SUBSCRIPTION
// ══════════════════════════════════════════════════════════════════════════════

// On registers an event handler.
func (e *Engine) On(kind shared.EventKind, handler shared.EventHandler) (shared.SubscriptionID, error) {
	return e.bus.On(kind, handler)
}

// Once registers a handler that fires at most once.
func (e *Engine) Once(kind shared.EventKind, handler shared.EventHandler) (shared.SubscriptionID, error) {
	return e.bus.Once(kind, handler)
}

// Off removes a previously registered handler.
func (e *Engine) Off(id shared.SubscriptionID) {
	e.bus.Off(id)
}

func normalizePartition(partition string) string {
	if partition == "" {
		return progression.DefaultPartition
	}
	return partition
}
