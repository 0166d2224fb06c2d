// Package ledger provides CRUD over per-user progression records within a
// (community, partition), plus the membership set that makes partitions
// enumerable over a store with no list primitive.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/progression-hub/progression-engine/internal/application/migrate"
	"github.com/progression-hub/progression-engine/internal/domain/progression"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// maxConcurrentReads caps in-flight record fetches during a bulk read so
// large partitions cannot overwhelm the persistence backend.
const maxConcurrentReads = 100

const (
	membersKey    = "members"
	userKeyPrefix = "users" + kv.PathSeparator
)

// Entry pairs a user ID with their progression record.
type Entry struct {
	UserID string
	Record progression.UserRecord
}

// Ledger reads and writes user records. Every read path runs the schema
// migrator first so callers always see the current persisted shape.
type Ledger struct {
	store    kv.Store
	migrator *migrate.Migrator
	logger   *slog.Logger
}

// NewLedger creates a ledger over the given store.
func NewLedger(store kv.Store, migrator *migrate.Migrator, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:    store,
		migrator: migrator,
		logger:   logger.With("component", "ledger"),
	}
}

// GetRecord returns the user's record, or a zero record if none is stored.
// Records are created on first mutation, so a zero record is not an error.
func (l *Ledger) GetRecord(ctx context.Context, community, partition, user string) (progression.UserRecord, error) {
	if err := l.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return progression.UserRecord{}, err
	}
	return l.readRecord(ctx, community, partition, user)
}

// readRecord fetches without re-running the migrator. Bulk reads ensure
// the schema once up front and then fan out through here.
func (l *Ledger) readRecord(ctx context.Context, community, partition, user string) (progression.UserRecord, error) {
	var record progression.UserRecord

	raw, err := l.store.Get(ctx, namespace(community, partition), userKeyPrefix+user)
	if err != nil {
		return record, shared.WrapError("ledger", "GetRecord", shared.ErrPersistence, "record read failed", err)
	}
	if raw == nil {
		return record, nil
	}

	if err := json.Unmarshal(raw, &record); err != nil {
		// A corrupt record resets to zero rather than wedging the user.
		l.logger.Warn("unreadable user record, treating as empty",
			"community", community,
			"partition", partition,
			"user", user,
			"error", err)
		return progression.UserRecord{}, nil
	}
	record.Normalize()
	return record, nil
}

// SaveRecord persists the record and ensures the user is tracked in the
// partition's membership set.
func (l *Ledger) SaveRecord(ctx context.Context, community, partition, user string, record progression.UserRecord) error {
	if err := l.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return err
	}

	record.Normalize()
	raw, err := json.Marshal(record)
	if err != nil {
		return shared.WrapError("ledger", "SaveRecord", shared.ErrPersistence, "record marshal failed", err)
	}

	ns := namespace(community, partition)
	if err := l.store.Set(ctx, ns, userKeyPrefix+user, raw); err != nil {
		return shared.WrapError("ledger", "SaveRecord", shared.ErrPersistence, "record write failed", err)
	}

	return l.trackMember(ctx, community, partition, user)
}

// Reset removes the user's record and their membership entry.
func (l *Ledger) Reset(ctx context.Context, community, partition, user string) error {
	if err := l.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return err
	}

	ns := namespace(community, partition)
	if err := l.store.Set(ctx, ns, userKeyPrefix+user, nil); err != nil {
		return shared.WrapError("ledger", "Reset", shared.ErrPersistence, "record delete failed", err)
	}

	members, err := l.members(ctx, community, partition)
	if err != nil {
		return err
	}
	if !members.Remove(user) {
		return nil
	}
	return l.writeMembers(ctx, community, partition, members)
}

// Members returns the partition's membership set.
func (l *Ledger) Members(ctx context.Context, community, partition string) (progression.MembershipSet, error) {
	if err := l.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return progression.MembershipSet{}, err
	}
	return l.members(ctx, community, partition)
}

// GetAllRecords fetches every tracked user's record. Fetches run
// concurrently but bounded, and the result is ordered by user ID so
// callers get deterministic output.
func (l *Ledger) GetAllRecords(ctx context.Context, community, partition string) ([]Entry, error) {
	if err := l.migrator.EnsureCurrent(ctx, community, partition); err != nil {
		return nil, err
	}

	members, err := l.members(ctx, community, partition)
	if err != nil {
		return nil, err
	}
	if members.Len() == 0 {
		return []Entry{}, nil
	}

	sem := semaphore.NewWeighted(maxConcurrentReads)
	entries := make([]Entry, members.Len())
	errs := make([]error, members.Len())

	var wg sync.WaitGroup
	for i, user := range members.Users {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, shared.WrapError("ledger", "GetAllRecords", shared.ErrPersistence, "read pool acquire failed", err)
		}

		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			defer sem.Release(1)

			record, err := l.readRecord(ctx, community, partition, user)
			if err != nil {
				errs[i] = err
				return
			}
			entries[i] = Entry{UserID: user, Record: record}
		}(i, user)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	sort.Slice(entries, func(a, b int) bool {
		return entries[a].UserID < entries[b].UserID
	})
	return entries, nil
}

func (l *Ledger) trackMember(ctx context.Context, community, partition, user string) error {
	members, err := l.members(ctx, community, partition)
	if err != nil {
		return err
	}
	if !members.Add(user) {
		return nil
	}
	return l.writeMembers(ctx, community, partition, members)
}

func (l *Ledger) members(ctx context.Context, community, partition string) (progression.MembershipSet, error) {
	raw, err := l.store.Get(ctx, namespace(community, partition), membersKey)
	if err != nil {
		return progression.MembershipSet{}, shared.WrapError("ledger", "members", shared.ErrPersistence, "membership read failed", err)
	}
	if raw == nil {
		return progression.MembershipSet{Users: []string{}}, nil
	}

	var members progression.MembershipSet
	if err := json.Unmarshal(raw, &members); err != nil {
		l.logger.Warn("unreadable membership set, treating as empty",
			"community", community,
			"partition", partition,
			"error", err)
		return progression.MembershipSet{Users: []string{}}, nil
	}
	if members.Users == nil {
		members.Users = []string{}
	}
	return members, nil
}

func (l *Ledger) writeMembers(ctx context.Context, community, partition string, members progression.MembershipSet) error {
	raw, err := json.Marshal(members)
	if err != nil {
		return shared.WrapError("ledger", "writeMembers", shared.ErrPersistence, "membership marshal failed", err)
	}
	if err := l.store.Set(ctx, namespace(community, partition), membersKey, raw); err != nil {
		return shared.WrapError("ledger", "writeMembers", shared.ErrPersistence, "membership write failed", err)
	}
	return nil
}

func namespace(community, partition string) []string {
	return []string{"progression", partition, community}
}
