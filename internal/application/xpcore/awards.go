package xpcore

import (
	"context"
	"math"

	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// MESSAGE AWARD GATE
// The message-triggered award path: the chat-platform collaborator supplies
// a candidate base roll plus the message context, and the gate decides
// whether XP is actually awarded (cooldown, exclusions) and how much
// (multiplier table × XP rate).
// ══════════════════════════════════════════════════════════════════════════════

// MessageContext describes one message-trigger from the chat platform.
type MessageContext struct {
	// BaseRoll is the candidate XP before multipliers, typically random
	// within a configured band on the caller's side.
	BaseRoll int64

	// RoleIDs are the author's roles, used for exclusion and multipliers.
	RoleIDs []string

	// ChannelID is where the message was posted, used for exclusion.
	ChannelID string

	// Partition selects the progression track. Empty means default.
	Partition string
}

// AwardResult reports the gate's decision.
type AwardResult struct {
	// Awarded is false when the trigger was gated (cooldown or exclusion).
	Awarded bool

	// XPAwarded is the post-multiplier amount actually granted.
	XPAwarded int64

	// Mutation is the underlying result when Awarded is true.
	Mutation MutationResult
}

// AwardFromMessage runs one message-trigger through the gate. Gated
// triggers still bump the message counter so activity stays measurable.
//
// Note the emission order on this path: the level event goes out before
// XPChanged. Subscribers are required to be order-agnostic, and keeping
// both orderings exercised enforces that.
func (c *Core) AwardFromMessage(ctx context.Context, community, user string, msg MessageContext) (AwardResult, error) {
	if msg.BaseRoll < 0 {
		return AwardResult{}, shared.NewDomainError("xpcore", "AwardFromMessage", shared.ErrInvalidArgument, "base roll cannot be negative")
	}

	partition := msg.Partition
	if partition == "" {
		partition = progression.DefaultPartition
	}

	cfg, err := c.configs.Get(ctx, community, partition)
	if err != nil {
		return AwardResult{}, err
	}
	record, err := c.ledger.GetRecord(ctx, community, partition, user)
	if err != nil {
		return AwardResult{}, err
	}

	record.MessageCount++

	if c.gated(cfg, record, msg) {
		if err := c.ledger.SaveRecord(ctx, community, partition, user, record); err != nil {
			return AwardResult{}, err
		}
		return AwardResult{Awarded: false}, nil
	}

	amount := scaleAward(msg.BaseRoll, cfg, msg.RoleIDs, user)

	curve, err := c.curves.Resolve(ctx, community, partition)
	if err != nil {
		return AwardResult{}, err
	}

	result := MutationResult{
		OldXP:    record.XP,
		OldLevel: record.Level,
		NewXP:    record.XP + amount,
	}
	result.NewLevel = curve.LevelFromTotalXP(result.NewXP).Level
	result.Changed = result.NewXP != result.OldXP || result.NewLevel != result.OldLevel

	record.XP = result.NewXP
	record.Level = result.NewLevel
	record.XPMessageCount++
	record.LastAwardedAt = c.now().UnixMilli()

	if err := c.ledger.SaveRecord(ctx, community, partition, user, record); err != nil {
		return AwardResult{}, err
	}

	// Level event first on this path, then XPChanged.
	switch {
	case result.NewLevel > result.OldLevel:
		c.publish(shared.NewLevelUpEvent(community, partition, user, result.OldXP, result.NewXP, result.OldLevel, result.NewLevel, "message"))
	case result.NewLevel < result.OldLevel:
		c.publish(shared.NewLevelDownEvent(community, partition, user, result.OldXP, result.NewXP, result.OldLevel, result.NewLevel, "message"))
	}
	if result.NewXP != result.OldXP {
		c.publish(shared.NewXPChangedEvent(community, partition, user, result.OldXP, result.NewXP, "message"))
	}

	return AwardResult{Awarded: true, XPAwarded: amount, Mutation: result}, nil
}

// gated reports whether the trigger is blocked by exclusions or cooldown.
func (c *Core) gated(cfg progression.EffectiveConfig, record progression.UserRecord, msg MessageContext) bool {
	if cfg.ChannelExcluded(msg.ChannelID) {
		return true
	}
	if cfg.RoleExcluded(msg.RoleIDs) {
		return true
	}
	if record.LastAwardedAt == 0 {
		return false
	}
	elapsed := c.now().UnixMilli() - record.LastAwardedAt
	return elapsed < cfg.CooldownSeconds*1000
}

// scaleAward applies the multiplier table and XP rate to the base roll.
// Multipliers compose: server × highest matching role × user × rate.
func scaleAward(baseRoll int64, cfg progression.EffectiveConfig, roleIDs []string, user string) int64 {
	scaled := float64(baseRoll) *
		cfg.ServerMultiplier() *
		cfg.RoleMultiplier(roleIDs) *
		cfg.UserMultiplier(user) *
		cfg.XPRate

	amount := int64(math.Round(scaled))
	if amount < 0 {
		amount = 0
	}
	return amount
}
