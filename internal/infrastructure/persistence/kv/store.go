// Package kv defines the opaque asynchronous key/value persistence boundary
// the progression core is written against. A namespace is a hierarchical
// path (community, partition, collection); the store has no list primitive,
// which is why the ledger maintains an explicit membership set.
package kv

import (
	"context"
	"strings"
)

// Store is the persistence contract. Implementations must treat a missing
// key as (nil, nil) on Get and a nil value as a delete on Set.
type Store interface {
	// Get returns the value stored under namespace/key, or nil if absent.
	Get(ctx context.Context, namespace []string, key string) ([]byte, error)

	// Set writes value under namespace/key. A nil value deletes the entry.
	Set(ctx context.Context, namespace []string, key string, value []byte) error
}

// PathSeparator joins namespace segments into flat backend keys.
const PathSeparator = "/"

// Join flattens a namespace path and key into a single backend key.
func Join(namespace []string, key string) string {
	if len(namespace) == 0 {
		return key
	}
	return strings.Join(namespace, PathSeparator) + PathSeparator + key
}

// JoinNamespace flattens a namespace path without a key.
func JoinNamespace(namespace []string) string {
	return strings.Join(namespace, PathSeparator)
}
