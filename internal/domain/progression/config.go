package progression

// RewardMode selects how role rewards accumulate across levels.
type RewardMode string

const (
	// RewardModeStack grants every reward whose level has been reached.
	RewardModeStack RewardMode = "stack"

	// RewardModeReplace grants only the single highest qualifying reward.
	RewardModeReplace RewardMode = "replace"
)

// IsValid reports whether the mode is one of the known values.
func (m RewardMode) IsValid() bool {
	return m == RewardModeStack || m == RewardModeReplace
}

// RoleReward maps a level to an external role identifier.
type RoleReward struct {
	Level  int    `json:"level"`
	RoleID string `json:"role_id"`
}

// MultiplierTable scales awarded XP. All sub-fields merge key-wise across
// configuration tiers instead of replacing wholesale.
type MultiplierTable struct {
	// Server is a community-wide scalar. Nil inherits.
	Server *float64 `json:"server,omitempty"`

	// Roles maps role IDs to scalars.
	Roles map[string]float64 `json:"roles,omitempty"`

	// Users maps user IDs to scalars.
	Users map[string]float64 `json:"users,omitempty"`
}

// LabelOverrides holds display-label overrides, merged key-wise across
// tiers like the multiplier table.
type LabelOverrides map[string]string

// CommunityConfig is a partial configuration overlay for one tier
// (system defaults, global overrides, or per-community overrides).
// Nil pointer fields and nil slices inherit from the next tier wholesale;
// Multipliers and Labels are the two exceptions and merge key-wise.
type CommunityConfig struct {
	CooldownSeconds   *int64           `json:"cooldown_seconds,omitempty"`
	XPRate            *float64         `json:"xp_rate,omitempty"`
	ExcludedRoles     []string         `json:"excluded_roles,omitempty"`
	ExcludedChannels  []string         `json:"excluded_channels,omitempty"`
	RoleRewards       []RoleReward     `json:"role_rewards,omitempty"`
	RewardMode        *RewardMode      `json:"reward_mode,omitempty"`
	RevokeOnLevelDown *bool            `json:"revoke_on_level_down,omitempty"`
	LeaderboardPublic *bool            `json:"leaderboard_public,omitempty"`
	Curve             *CurveDescriptor `json:"curve,omitempty"`
	Multipliers       *MultiplierTable `json:"multipliers,omitempty"`
	Labels            LabelOverrides   `json:"labels,omitempty"`
}

// Overlaid returns a copy of c with every set field of patch applied.
// Used by the read-merge-write update path; Multipliers and Labels merge
// key-wise here too.
func (c CommunityConfig) Overlaid(patch CommunityConfig) CommunityConfig {
	out := c
	if patch.CooldownSeconds != nil {
		out.CooldownSeconds = patch.CooldownSeconds
	}
	if patch.XPRate != nil {
		out.XPRate = patch.XPRate
	}
	if patch.ExcludedRoles != nil {
		out.ExcludedRoles = patch.ExcludedRoles
	}
	if patch.ExcludedChannels != nil {
		out.ExcludedChannels = patch.ExcludedChannels
	}
	if patch.RoleRewards != nil {
		out.RoleRewards = patch.RoleRewards
	}
	if patch.RewardMode != nil {
		out.RewardMode = patch.RewardMode
	}
	if patch.RevokeOnLevelDown != nil {
		out.RevokeOnLevelDown = patch.RevokeOnLevelDown
	}
	if patch.LeaderboardPublic != nil {
		out.LeaderboardPublic = patch.LeaderboardPublic
	}
	if patch.Curve != nil {
		out.Curve = patch.Curve
	}
	if patch.Multipliers != nil {
		merged := mergeMultipliers(out.Multipliers, patch.Multipliers)
		out.Multipliers = &merged
	}
	if patch.Labels != nil {
		out.Labels = mergeLabels(out.Labels, patch.Labels)
	}
	return out
}

// EffectiveConfig is a fully resolved configuration: every field carries a
// usable value so the rest of the system never sees partial configs.
type EffectiveConfig struct {
	CooldownSeconds   int64
	XPRate            float64
	ExcludedRoles     []string
	ExcludedChannels  []string
	RoleRewards       []RoleReward
	RewardMode        RewardMode
	RevokeOnLevelDown bool
	LeaderboardPublic bool

	// Curve is nil when the system default quadratic curve applies.
	Curve *CurveDescriptor

	Multipliers MultiplierTable
	Labels      LabelOverrides
}

// Default effective values applied when no tier sets a field.
const (
	defaultCooldownSeconds = 60
	defaultXPRate          = 1.0
)

// Resolve merges configuration tiers lowest-precedence first
// (system defaults are implicit) and normalizes the result.
func Resolve(tiers ...CommunityConfig) EffectiveConfig {
	eff := EffectiveConfig{
		CooldownSeconds:   defaultCooldownSeconds,
		XPRate:            defaultXPRate,
		ExcludedRoles:     []string{},
		ExcludedChannels:  []string{},
		RoleRewards:       []RoleReward{},
		RewardMode:        RewardModeStack,
		RevokeOnLevelDown: false,
		LeaderboardPublic: true,
		Multipliers:       MultiplierTable{},
		Labels:            LabelOverrides{},
	}

	for _, tier := range tiers {
		if tier.CooldownSeconds != nil && *tier.CooldownSeconds >= 0 {
			eff.CooldownSeconds = *tier.CooldownSeconds
		}
		if tier.XPRate != nil && *tier.XPRate >= 0 {
			eff.XPRate = *tier.XPRate
		}
		if tier.ExcludedRoles != nil {
			eff.ExcludedRoles = append([]string(nil), tier.ExcludedRoles...)
		}
		if tier.ExcludedChannels != nil {
			eff.ExcludedChannels = append([]string(nil), tier.ExcludedChannels...)
		}
		if tier.RoleRewards != nil {
			eff.RoleRewards = append([]RoleReward(nil), tier.RoleRewards...)
		}
		if tier.RewardMode != nil && tier.RewardMode.IsValid() {
			eff.RewardMode = *tier.RewardMode
		}
		if tier.RevokeOnLevelDown != nil {
			eff.RevokeOnLevelDown = *tier.RevokeOnLevelDown
		}
		if tier.LeaderboardPublic != nil {
			eff.LeaderboardPublic = *tier.LeaderboardPublic
		}
		if tier.Curve != nil {
			d := *tier.Curve
			eff.Curve = &d
		}
		if tier.Multipliers != nil {
			eff.Multipliers = mergeMultipliers(&eff.Multipliers, tier.Multipliers)
		}
		if tier.Labels != nil {
			eff.Labels = mergeLabels(eff.Labels, tier.Labels)
		}
	}

	return eff
}

// ServerMultiplier returns the community-wide scalar, defaulting to 1.
func (e EffectiveConfig) ServerMultiplier() float64 {
	if e.Multipliers.Server != nil && *e.Multipliers.Server >= 0 {
		return *e.Multipliers.Server
	}
	return 1
}

// RoleMultiplier returns the largest scalar among the given role IDs,
// defaulting to 1 when none is configured.
func (e EffectiveConfig) RoleMultiplier(roleIDs []string) float64 {
	best := 1.0
	found := false
	for _, id := range roleIDs {
		if v, ok := e.Multipliers.Roles[id]; ok && v >= 0 {
			if !found || v > best {
				best = v
				found = true
			}
		}
	}
	return best
}

// UserMultiplier returns the per-user scalar, defaulting to 1.
func (e EffectiveConfig) UserMultiplier(userID string) float64 {
	if v, ok := e.Multipliers.Users[userID]; ok && v >= 0 {
		return v
	}
	return 1
}

// RoleExcluded reports whether any of the given roles is excluded from
// automatic awards.
func (e EffectiveConfig) RoleExcluded(roleIDs []string) bool {
	for _, excluded := range e.ExcludedRoles {
		for _, id := range roleIDs {
			if id == excluded {
				return true
			}
		}
	}
	return false
}

// ChannelExcluded reports whether the channel is excluded from automatic
// awards.
func (e EffectiveConfig) ChannelExcluded(channelID string) bool {
	for _, excluded := range e.ExcludedChannels {
		if excluded == channelID {
			return true
		}
	}
	return false
}

func mergeMultipliers(base, patch *MultiplierTable) MultiplierTable {
	var out MultiplierTable
	if base != nil {
		out.Server = base.Server
		if len(base.Roles) > 0 {
			out.Roles = make(map[string]float64, len(base.Roles))
			for k, v := range base.Roles {
				out.Roles[k] = v
			}
		}
		if len(base.Users) > 0 {
			out.Users = make(map[string]float64, len(base.Users))
			for k, v := range base.Users {
				out.Users[k] = v
			}
		}
	}
	if patch == nil {
		return out
	}
	if patch.Server != nil {
		out.Server = patch.Server
	}
	if len(patch.Roles) > 0 {
		if out.Roles == nil {
			out.Roles = make(map[string]float64, len(patch.Roles))
		}
		for k, v := range patch.Roles {
			out.Roles[k] = v
		}
	}
	if len(patch.Users) > 0 {
		if out.Users == nil {
			out.Users = make(map[string]float64, len(patch.Users))
		}
		for k, v := range patch.Users {
			out.Users[k] = v
		}
	}
	return out
}

func mergeLabels(base, patch LabelOverrides) LabelOverrides {
	out := make(LabelOverrides, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
