package shared

import (
	"time"

	"github.com/google/uuid"
)

// EventKind represents the type of domain event.
type EventKind string

// Domain event kinds. Every XP mutation that changes state publishes
// XPChanged; level boundary crossings additionally publish LevelUp or
// LevelDown. All events carry the partition so subscribers can filter.
const (
	EventXPChanged EventKind = "progression.xp_changed"
	EventLevelUp   EventKind = "progression.level_up"
	EventLevelDown EventKind = "progression.level_down"
)

// Event is the base interface for all domain events.
//
// Delivery contract: there is NO ordering guarantee between event kinds
// produced by the same logical mutation, nor between subscribers. A
// subscriber must not assume XPChanged arrives before or after LevelUp.
// Handlers must therefore be order-agnostic and idempotent.
type Event interface {
	// Kind returns the type of the event.
	Kind() EventKind

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// Community returns the tenant boundary the event belongs to.
	Community() string

	// Partition returns the progression partition the event belongs to.
	Partition() string

	// UserID returns the affected user.
	UserID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventKind `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	CommunityID string    `json:"community"`
	PartitionID string    `json:"partition"`
	User        string    `json:"user"`
}

// Kind implements Event.
func (e BaseEvent) Kind() EventKind { return e.Type }

// OccurredAt implements Event.
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }

// Community implements Event.
func (e BaseEvent) Community() string { return e.CommunityID }

// Partition implements Event.
func (e BaseEvent) Partition() string { return e.PartitionID }

// UserID implements Event.
func (e BaseEvent) UserID() string { return e.User }

// NewBaseEvent creates a new base event.
func NewBaseEvent(kind EventKind, community, partition, user string) BaseEvent {
	return BaseEvent{
		ID:          uuid.NewString(),
		Type:        kind,
		Timestamp:   time.Now().UTC(),
		CommunityID: community,
		PartitionID: partition,
		User:        user,
	}
}

// XPChangedEvent is published whenever a user's XP total changes.
type XPChangedEvent struct {
	BaseEvent
	OldXP  int64  `json:"old_xp"`
	NewXP  int64  `json:"new_xp"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason,omitempty"`
}

// Payload implements Event.
func (e XPChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"community": e.CommunityID,
		"partition": e.PartitionID,
		"user":      e.User,
		"old_xp":    e.OldXP,
		"new_xp":    e.NewXP,
		"delta":     e.Delta,
		"reason":    e.Reason,
	}
}

// NewXPChangedEvent creates a new XPChangedEvent.
func NewXPChangedEvent(community, partition, user string, oldXP, newXP int64, reason string) XPChangedEvent {
	return XPChangedEvent{
		BaseEvent: NewBaseEvent(EventXPChanged, community, partition, user),
		OldXP:     oldXP,
		NewXP:     newXP,
		Delta:     newXP - oldXP,
		Reason:    reason,
	}
}

// LevelUpEvent is published when a user's level increases.
type LevelUpEvent struct {
	BaseEvent
	OldXP    int64  `json:"old_xp"`
	NewXP    int64  `json:"new_xp"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	Reason   string `json:"reason,omitempty"`
}

// Payload implements Event.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"community": e.CommunityID,
		"partition": e.PartitionID,
		"user":      e.User,
		"old_xp":    e.OldXP,
		"new_xp":    e.NewXP,
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"reason":    e.Reason,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(community, partition, user string, oldXP, newXP int64, oldLevel, newLevel int, reason string) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, community, partition, user),
		OldXP:     oldXP,
		NewXP:     newXP,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Reason:    reason,
	}
}

// LevelDownEvent is published when a user's level decreases.
type LevelDownEvent struct {
	BaseEvent
	OldXP    int64  `json:"old_xp"`
	NewXP    int64  `json:"new_xp"`
	OldLevel int    `json:"old_level"`
	NewLevel int    `json:"new_level"`
	Reason   string `json:"reason,omitempty"`
}

// Payload implements Event.
func (e LevelDownEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"community": e.CommunityID,
		"partition": e.PartitionID,
		"user":      e.User,
		"old_xp":    e.OldXP,
		"new_xp":    e.NewXP,
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
		"reason":    e.Reason,
	}
}

// NewLevelDownEvent creates a new LevelDownEvent.
func NewLevelDownEvent(community, partition, user string, oldXP, newXP int64, oldLevel, newLevel int, reason string) LevelDownEvent {
	return LevelDownEvent{
		BaseEvent: NewBaseEvent(EventLevelDown, community, partition, user),
		OldXP:     oldXP,
		NewXP:     newXP,
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
		Reason:    reason,
	}
}

// EventHandler is a function that handles an event. A non-nil error is
// logged by the bus and never propagated to the publisher or to other
// subscribers: events are fire-and-forget broadcast, not a transaction.
type EventHandler func(event Event) error

// SubscriptionID identifies a registered handler so it can be removed.
type SubscriptionID string

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// On registers a handler for an event kind.
	On(kind EventKind, handler EventHandler) (SubscriptionID, error)

	// Once registers a handler that fires at most once.
	Once(kind EventKind, handler EventHandler) (SubscriptionID, error)

	// Off removes a previously registered handler.
	Off(id SubscriptionID)
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
