// Package xpcore implements the XP mutation API: add, remove, set, and
// recalculate. It resolves config and curve, persists through the ledger,
// and publishes domain events for downstream consistency.
package xpcore

import (
	"context"
	"log/slog"
	"time"

	"github.com/progression-hub/progression-engine/internal/application/configstore"
	"github.com/progression-hub/progression-engine/internal/application/curves"
	"github.com/progression-hub/progression-engine/internal/application/ledger"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

// Options carries the optional parameters shared by every mutation.
type Options struct {
	// Reason is attached to emitted events for audit trails.
	Reason string

	// Partition selects the progression track. Empty means the default
	// partition.
	Partition string
}

func (o Options) partition() string {
	if o.Partition == "" {
		return progression.DefaultPartition
	}
	return o.Partition
}

// MutationResult reports the outcome of a mutation.
type MutationResult struct {
	OldXP    int64
	NewXP    int64
	OldLevel int
	NewLevel int

	// Changed is true when XP or level moved.
	Changed bool
}

// Core is the XP mutation engine.
type Core struct {
	ledger  *ledger.Ledger
	curves  *curves.Resolver
	configs *configstore.Store
	bus     shared.EventPublisher
	logger  *slog.Logger

	// now is swappable for cooldown tests.
	now func() time.Time
}

// NewCore creates an XP core.
func NewCore(l *ledger.Ledger, resolver *curves.Resolver, configs *configstore.Store, bus shared.EventPublisher, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	return &Core{
		ledger:  l,
		curves:  resolver,
		configs: configs,
		bus:     bus,
		logger:  logger.With("component", "xpcore"),
		now:     time.Now,
	}
}

// Add increases the user's XP by amount.
func (c *Core) Add(ctx context.Context, community, user string, amount int64, opts Options) (MutationResult, error) {
	if amount < 0 {
		return MutationResult{}, shared.NewDomainError("xpcore", "Add", shared.ErrInvalidArgument, "amount cannot be negative")
	}

	partition := opts.partition()
	record, err := c.ledger.GetRecord(ctx, community, partition, user)
	if err != nil {
		return MutationResult{}, err
	}

	return c.applyTotal(ctx, community, partition, user, record, record.XP+amount, opts.Reason)
}

// Remove decreases the user's XP by amount, clamping at zero.
func (c *Core) Remove(ctx context.Context, community, user string, amount int64, opts Options) (MutationResult, error) {
	if amount < 0 {
		return MutationResult{}, shared.NewDomainError("xpcore", "Remove", shared.ErrInvalidArgument, "amount cannot be negative")
	}

	partition := opts.partition()
	record, err := c.ledger.GetRecord(ctx, community, partition, user)
	if err != nil {
		return MutationResult{}, err
	}

	newXP := record.XP - amount
	if newXP < 0 {
		newXP = 0
	}
	return c.applyTotal(ctx, community, partition, user, record, newXP, opts.Reason)
}

// Set replaces the user's XP total.
func (c *Core) Set(ctx context.Context, community, user string, total int64, opts Options) (MutationResult, error) {
	if total < 0 {
		return MutationResult{}, shared.NewDomainError("xpcore", "Set", shared.ErrInvalidArgument, "total cannot be negative")
	}

	partition := opts.partition()
	record, err := c.ledger.GetRecord(ctx, community, partition, user)
	if err != nil {
		return MutationResult{}, err
	}

	return c.applyTotal(ctx, community, partition, user, record, total, opts.Reason)
}

// Recalculate re-derives the level from the stored XP using the current
// curve. Used after a curve change or to repair drift; reports whether a
// correction occurred.
func (c *Core) Recalculate(ctx context.Context, community, user string, opts Options) (MutationResult, error) {
	partition := opts.partition()
	record, err := c.ledger.GetRecord(ctx, community, partition, user)
	if err != nil {
		return MutationResult{}, err
	}

	return c.applyTotal(ctx, community, partition, user, record, record.XP, opts.Reason)
}

// applyTotal moves the record to newXP, derives the level via the resolved
// curve, persists, and emits events. XPChanged is emitted for any XP
// movement, then LevelUp or LevelDown when the level crossed a boundary.
func (c *Core) applyTotal(ctx context.Context, community, partition, user string, record progression.UserRecord, newXP int64, reason string) (MutationResult, error) {
	curve, err := c.curves.Resolve(ctx, community, partition)
	if err != nil {
		return MutationResult{}, err
	}

	result := MutationResult{
		OldXP:    record.XP,
		OldLevel: record.Level,
		NewXP:    newXP,
		NewLevel: curve.LevelFromTotalXP(newXP).Level,
	}
	result.Changed = result.NewXP != result.OldXP || result.NewLevel != result.OldLevel
	if !result.Changed {
		return result, nil
	}

	record.XP = result.NewXP
	record.Level = result.NewLevel
	if err := c.ledger.SaveRecord(ctx, community, partition, user, record); err != nil {
		return MutationResult{}, err
	}

	c.emit(community, partition, user, result, reason)
	return result, nil
}

// emit publishes XPChanged then the level event. Failures are logged and
// never surfaced: the mutation is already persisted and events are
// fire-and-forget broadcast.
func (c *Core) emit(community, partition, user string, result MutationResult, reason string) {
	if result.NewXP != result.OldXP {
		c.publish(shared.NewXPChangedEvent(community, partition, user, result.OldXP, result.NewXP, reason))
	}
	switch {
	case result.NewLevel > result.OldLevel:
		c.publish(shared.NewLevelUpEvent(community, partition, user, result.OldXP, result.NewXP, result.OldLevel, result.NewLevel, reason))
	case result.NewLevel < result.OldLevel:
		c.publish(shared.NewLevelDownEvent(community, partition, user, result.OldXP, result.NewXP, result.OldLevel, result.NewLevel, reason))
	}
}

func (c *Core) publish(event shared.Event) {
	if err := c.bus.Publish(event); err != nil {
		c.logger.Error("event publish failed",
			"kind", event.Kind(),
			"community", event.Community(),
			"user", event.UserID(),
			"error", err)
	}
}

// GetRecord returns the user's record.
func (c *Core) GetRecord(ctx context.Context, community, user string, opts Options) (progression.UserRecord, error) {
	return c.ledger.GetRecord(ctx, community, opts.partition(), user)
}

// GetXP returns the user's XP total.
func (c *Core) GetXP(ctx context.Context, community, user string, opts Options) (int64, error) {
	record, err := c.GetRecord(ctx, community, user, opts)
	if err != nil {
		return 0, err
	}
	return record.XP, nil
}

// GetLevel returns the user's level.
func (c *Core) GetLevel(ctx context.Context, community, user string, opts Options) (int, error) {
	record, err := c.GetRecord(ctx, community, user, opts)
	if err != nil {
		return 0, err
	}
	return record.Level, nil
}

// Reset removes the user's record and membership. Events for the drop to
// zero are published so cached rankings and granted rewards catch up.
func (c *Core) Reset(ctx context.Context, community, user string, opts Options) error {
	partition := opts.partition()
	record, err := c.ledger.GetRecord(ctx, community, partition, user)
	if err != nil {
		return err
	}
	if err := c.ledger.Reset(ctx, community, partition, user); err != nil {
		return err
	}

	reason := opts.Reason
	if reason == "" {
		reason = "reset"
	}
	if record.XP > 0 {
		c.publish(shared.NewXPChangedEvent(community, partition, user, record.XP, 0, reason))
	}
	if record.Level > 0 {
		c.publish(shared.NewLevelDownEvent(community, partition, user, record.XP, 0, record.Level, 0, reason))
	}
	return nil
}
