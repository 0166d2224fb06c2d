package kv

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryStore is an in-memory Store implementation. Suitable for
// single-instance deployments and testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte

	reads  atomic.Int64
	writes atomic.Int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, namespace []string, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[Join(namespace, key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, namespace []string, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writes.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	k := Join(namespace, key)
	if value == nil {
		delete(s.data, k)
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.data[k] = stored
	return nil
}

// Reads returns the number of Get calls served. Used by cache tests.
func (s *MemoryStore) Reads() int64 { return s.reads.Load() }

// Writes returns the number of Set calls served.
func (s *MemoryStore) Writes() int64 { return s.writes.Load() }

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
