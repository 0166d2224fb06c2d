package progression

// UserRecord is one user's progression state within a community partition.
// Created on first mutation; never deleted except by explicit reset, which
// also removes membership tracking.
type UserRecord struct {
	// XP is the accumulated total, never negative.
	XP int64 `json:"xp"`

	// Level is the curve's inverse of XP unless a recalculation is pending.
	Level int `json:"level"`

	// LastAwardedAt is the unix-millisecond timestamp of the last
	// message-triggered award. Zero means never.
	LastAwardedAt int64 `json:"lastAwardedAt"`

	// MessageCount counts every message-trigger seen for the user.
	MessageCount int64 `json:"messageCount"`

	// XPMessageCount counts the triggers that actually awarded XP.
	// Always <= MessageCount.
	XPMessageCount int64 `json:"xpMessageCount"`
}

// Normalize clamps invalid persisted values so the rest of the system
// never sees a negative total or an inconsistent counter pair.
func (r *UserRecord) Normalize() {
	if r.XP < 0 {
		r.XP = 0
	}
	if r.Level < 0 {
		r.Level = 0
	}
	if r.LastAwardedAt < 0 {
		r.LastAwardedAt = 0
	}
	if r.MessageCount < 0 {
		r.MessageCount = 0
	}
	if r.XPMessageCount < 0 {
		r.XPMessageCount = 0
	}
	if r.XPMessageCount > r.MessageCount {
		r.XPMessageCount = r.MessageCount
	}
}

// MembershipSet tracks the user IDs ever awarded XP in a partition. The
// underlying store has no "list records" primitive, so membership is the
// only way to enumerate a partition's users.
type MembershipSet struct {
	Users []string `json:"users"`
}

// Contains reports whether the user is tracked.
func (m *MembershipSet) Contains(userID string) bool {
	for _, u := range m.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// Add inserts the user if absent and reports whether the set changed.
func (m *MembershipSet) Add(userID string) bool {
	if m.Contains(userID) {
		return false
	}
	m.Users = append(m.Users, userID)
	return true
}

// Remove deletes the user if present and reports whether the set changed.
func (m *MembershipSet) Remove(userID string) bool {
	for i, u := range m.Users {
		if u == userID {
			m.Users = append(m.Users[:i], m.Users[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of tracked users.
func (m *MembershipSet) Len() int {
	return len(m.Users)
}
