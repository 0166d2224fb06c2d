// Package rewards translates level changes into external role grants.
// The reconciler subscribes to level events on the default partition,
// computes the target role set from configuration, and delegates the
// actual grant/revoke calls to the role manager collaborator.
package rewards

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/progression-hub/progression-engine/internal/application/configstore"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/external/roles"
)

// reconcileTimeout bounds one reconciliation's collaborator calls.
const reconcileTimeout = 30 * time.Second

// Reconciler keeps external role grants consistent with user levels.
type Reconciler struct {
	configs *configstore.Store
	manager roles.Manager
	logger  *slog.Logger
}

// NewReconciler creates a reconciler and subscribes it to level events.
func NewReconciler(configs *configstore.Store, manager roles.Manager, bus shared.EventSubscriber, logger *slog.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		configs: configs,
		manager: manager,
		logger:  logger.With("component", "rewards"),
	}

	if _, err := bus.On(shared.EventLevelUp, r.onLevelChange); err != nil {
		return nil, err
	}
	if _, err := bus.On(shared.EventLevelDown, r.onLevelChange); err != nil {
		return nil, err
	}
	return r, nil
}

// onLevelChange is the event entry point. Failures are logged and never
// returned: a reconciliation problem must not reach the publisher or
// other subscribers.
func (r *Reconciler) onLevelChange(event shared.Event) error {
	// Reward roles only exist for the default progression track.
	if event.Partition() != progression.DefaultPartition {
		return nil
	}

	var newLevel int
	var levelDown bool
	switch e := event.(type) {
	case shared.LevelUpEvent:
		newLevel = e.NewLevel
	case shared.LevelDownEvent:
		newLevel = e.NewLevel
		levelDown = true
	default:
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	if err := r.Reconcile(ctx, event.Community(), event.UserID(), newLevel, levelDown); err != nil {
		r.logger.Error("reward reconciliation failed",
			"community", event.Community(),
			"user", event.UserID(),
			"level", newLevel,
			"error", err)
	}
	return nil
}

// Reconcile grants the target role set for the level and revokes roles
// the user should no longer hold. Reapplying an unchanged target set is
// a no-op at the collaborator, so calling this repeatedly is safe.
func (r *Reconciler) Reconcile(ctx context.Context, community, user string, level int, levelDown bool) error {
	cfg, err := r.configs.Get(ctx, community, progression.DefaultPartition)
	if err != nil {
		return err
	}

	rewards := DedupeRewards(cfg.RoleRewards)
	if len(rewards) == 0 {
		return nil
	}

	targets := TargetRoles(rewards, cfg.RewardMode, level)
	targetSet := make(map[string]struct{}, len(targets))
	for _, roleID := range targets {
		targetSet[roleID] = struct{}{}
	}

	for _, roleID := range targets {
		if err := r.manager.AssignRole(ctx, community, user, roleID); err != nil {
			r.logger.Warn("role grant failed, continuing",
				"community", community,
				"user", user,
				"role", roleID,
				"error", err)
		}
	}

	// Replace mode revokes every non-target reward so only the single
	// highest qualifying role ever holds. Stack mode revokes only on
	// level-down, and only when configured to.
	revokeNonTargets := cfg.RewardMode == progression.RewardModeReplace ||
		(levelDown && cfg.RevokeOnLevelDown)
	if !revokeNonTargets {
		return nil
	}

	for _, reward := range rewards {
		if _, keep := targetSet[reward.RoleID]; keep {
			continue
		}
		if err := r.manager.RemoveRole(ctx, community, user, reward.RoleID); err != nil {
			r.logger.Warn("role revoke failed, continuing",
				"community", community,
				"user", user,
				"role", reward.RoleID,
				"error", err)
		}
	}
	return nil
}

// DedupeRewards collapses duplicate role IDs, keeping the highest level
// mapping, and returns the result sorted by ascending level.
func DedupeRewards(rewards []progression.RoleReward) []progression.RoleReward {
	byRole := make(map[string]progression.RoleReward, len(rewards))
	for _, reward := range rewards {
		if reward.RoleID == "" || reward.Level < 0 {
			continue
		}
		if existing, ok := byRole[reward.RoleID]; !ok || reward.Level > existing.Level {
			byRole[reward.RoleID] = reward
		}
	}

	out := make([]progression.RoleReward, 0, len(byRole))
	for _, reward := range byRole {
		out = append(out, reward)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Level != out[b].Level {
			return out[a].Level < out[b].Level
		}
		return out[a].RoleID < out[b].RoleID
	})
	return out
}

// TargetRoles computes the role set a user at the given level should
// hold. Stack mode is the union of all qualifying rewards; replace mode
// is only the single highest qualifying reward.
func TargetRoles(deduped []progression.RoleReward, mode progression.RewardMode, level int) []string {
	qualifying := make([]progression.RoleReward, 0, len(deduped))
	for _, reward := range deduped {
		if reward.Level <= level {
			qualifying = append(qualifying, reward)
		}
	}
	if len(qualifying) == 0 {
		return nil
	}

	if mode == progression.RewardModeReplace {
		highest := qualifying[len(qualifying)-1]
		return []string{highest.RoleID}
	}

	out := make([]string, 0, len(qualifying))
	for _, reward := range qualifying {
		out = append(out, reward.RoleID)
	}
	return out
}
