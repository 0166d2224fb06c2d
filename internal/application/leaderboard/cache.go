// Package leaderboard maintains a capped, sorted top-N view per
// (community, partition) with TTL expiry and lazy, membership-gated
// invalidation driven by domain events.
package leaderboard

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/progression-hub/progression-engine/internal/application/ledger"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

const (
	// TopN is the size of the cached slice per partition.
	TopN = 100

	// TTL is how long a cached slice stays warm.
	TTL = 60 * time.Second
)

// Entry is one leaderboard row. Ranks are 1-indexed and dense; ties are
// broken by ascending user ID, so every rank is unique.
type Entry struct {
	UserID string `json:"user_id"`
	XP     int64  `json:"xp"`
	Level  int    `json:"level"`
	Rank   int    `json:"rank"`
}

// partitionCache is the warm state for one (community, partition).
// Entries are never patched in place; the whole slice is replaced on
// refresh.
type partitionCache struct {
	entries     []Entry
	members     map[string]int // user ID → rank, for O(1) gating
	total       int
	refreshedAt time.Time
}

// Cache serves leaderboard reads.
type Cache struct {
	ledger *ledger.Ledger
	logger *slog.Logger

	mu         sync.RWMutex
	partitions map[string]*partitionCache

	// rebuilds counts cache populations; tests use it to verify the lazy
	// invalidation contract.
	rebuilds atomic.Int64

	// now is swappable for TTL tests.
	now func() time.Time
}

// NewCache creates a leaderboard cache and subscribes it to the bus for
// invalidation. All three event kinds are relevant: any XP or level
// movement of a cached user can reorder the slice.
func NewCache(l *ledger.Ledger, bus shared.EventSubscriber, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		ledger:     l,
		logger:     logger.With("component", "leaderboard"),
		partitions: make(map[string]*partitionCache),
		now:        time.Now,
	}

	for _, kind := range []shared.EventKind{shared.EventXPChanged, shared.EventLevelUp, shared.EventLevelDown} {
		if _, err := bus.On(kind, c.onEvent); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// onEvent applies the lazy invalidation rule: drop the cached slice only
// when the affected user is inside it. A user far outside the top-N
// changing their XP cannot affect the cached ranking and triggers no work.
func (c *Cache) onEvent(event shared.Event) error {
	key := cacheKey(event.Community(), event.Partition())

	c.mu.Lock()
	defer c.mu.Unlock()

	cached, ok := c.partitions[key]
	if !ok {
		return nil
	}
	if _, member := cached.members[event.UserID()]; member {
		delete(c.partitions, key)
	}
	return nil
}

// Get returns the leaderboard window [offset, offset+limit) and the
// partition's total user count. Shallow windows are served from the warm
// top-N slice; deep windows fall back to a full sort that deliberately
// does not populate the cache.
func (c *Cache) Get(ctx context.Context, community, partition string, offset, limit int) ([]Entry, int, error) {
	if offset < 0 || limit <= 0 {
		return nil, 0, shared.NewDomainError("leaderboard", "Get", shared.ErrInvalidArgument, "offset must be non-negative and limit positive")
	}

	if offset+limit <= TopN {
		cached, ok := c.warm(community, partition)
		if !ok {
			if err := c.Refresh(ctx, community, partition); err != nil {
				return nil, 0, err
			}
			cached, _ = c.warm(community, partition)
		}
		if cached != nil {
			return window(cached.entries, offset, limit), cached.total, nil
		}
	}

	entries, err := c.fullRanking(ctx, community, partition)
	if err != nil {
		return nil, 0, err
	}
	return window(entries, offset, limit), len(entries), nil
}

// Refresh rebuilds the partition's top-N slice from the full dataset.
// This is the only path that populates the cache.
func (c *Cache) Refresh(ctx context.Context, community, partition string) error {
	entries, err := c.fullRanking(ctx, community, partition)
	if err != nil {
		return err
	}

	top := entries
	if len(top) > TopN {
		top = top[:TopN]
	}
	members := make(map[string]int, len(top))
	for _, e := range top {
		members[e.UserID] = e.Rank
	}

	c.mu.Lock()
	c.partitions[cacheKey(community, partition)] = &partitionCache{
		entries:     top,
		members:     members,
		total:       len(entries),
		refreshedAt: c.now(),
	}
	c.mu.Unlock()

	c.rebuilds.Add(1)
	c.logger.Debug("leaderboard refreshed",
		"community", community,
		"partition", partition,
		"cached", len(top),
		"total", len(entries))
	return nil
}

// GetUserRank returns the user's 1-indexed rank and the partition total.
// Users with zero XP are reported as not found.
func (c *Cache) GetUserRank(ctx context.Context, community, partition, user string) (rank, total int, found bool, err error) {
	if cached, ok := c.warm(community, partition); ok {
		if r, member := cached.members[user]; member {
			// Zero-XP members appear in the slice but are not ranked.
			if cached.entries[r-1].XP == 0 {
				return 0, 0, false, nil
			}
			return r, cached.total, true, nil
		}
	}

	record, err := c.ledger.GetRecord(ctx, community, partition, user)
	if err != nil {
		return 0, 0, false, err
	}
	if record.XP == 0 {
		return 0, 0, false, nil
	}

	all, err := c.ledger.GetAllRecords(ctx, community, partition)
	if err != nil {
		return 0, 0, false, err
	}

	rank = 1
	for _, e := range all {
		if e.UserID == user {
			continue
		}
		if e.Record.XP > record.XP || (e.Record.XP == record.XP && e.UserID < user) {
			rank++
		}
	}
	return rank, len(all), true, nil
}

// InvalidatePartition drops one partition's cached slice.
func (c *Cache) InvalidatePartition(community, partition string) {
	c.mu.Lock()
	delete(c.partitions, cacheKey(community, partition))
	c.mu.Unlock()
}

// ClearAll drops every cached slice.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	c.partitions = make(map[string]*partitionCache)
	c.mu.Unlock()
}

// Rebuilds reports how many times a cache slice has been populated.
func (c *Cache) Rebuilds() int64 {
	return c.rebuilds.Load()
}

// warm returns the partition's cache if present and within TTL. A stale
// entry is dropped on sight and treated as cold.
func (c *Cache) warm(community, partition string) (*partitionCache, bool) {
	key := cacheKey(community, partition)

	c.mu.RLock()
	cached, ok := c.partitions[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if c.now().Sub(cached.refreshedAt) >= TTL {
		c.mu.Lock()
		if current, still := c.partitions[key]; still && current == cached {
			delete(c.partitions, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return cached, true
}

// fullRanking fetches and ranks the entire partition: descending XP, ties
// broken by ascending user ID, dense 1-indexed ranks.
func (c *Cache) fullRanking(ctx context.Context, community, partition string) ([]Entry, error) {
	all, err := c.ledger.GetAllRecords(ctx, community, partition)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(all))
	for _, e := range all {
		entries = append(entries, Entry{
			UserID: e.UserID,
			XP:     e.Record.XP,
			Level:  e.Record.Level,
		})
	}

	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].XP != entries[b].XP {
			return entries[a].XP > entries[b].XP
		}
		return entries[a].UserID < entries[b].UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// window slices [offset, offset+limit) with bounds clamping.
func window(entries []Entry, offset, limit int) []Entry {
	if offset >= len(entries) {
		return []Entry{}
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	out := make([]Entry, end-offset)
	copy(out, entries[offset:end])
	return out
}

func cacheKey(community, partition string) string {
	return community + kv.PathSeparator + partition
}
