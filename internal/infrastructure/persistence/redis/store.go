// Package redis implements the key/value persistence boundary on top of
// Redis, and the pub/sub transport used by the distributed event bus.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Connect creates a Redis client and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, shared.WrapError("redis", "Connect", shared.ErrPersistence, "ping failed", err)
	}
	return client, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// KV STORE
// ══════════════════════════════════════════════════════════════════════════════

// Store implements kv.Store on a Redis client. Namespace paths are joined
// into flat keys under an optional prefix.
type Store struct {
	client *redis.Client
	prefix string
}

// NewStore creates a Store. The prefix namespaces all keys and may be empty.
func NewStore(client *redis.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(namespace []string, key string) string {
	k := kv.Join(namespace, key)
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, namespace []string, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(namespace, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, shared.WrapError("redis", "Get", shared.ErrPersistence, "read failed", err)
	}
	return data, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, namespace []string, key string, value []byte) error {
	k := s.key(namespace, key)
	if value == nil {
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return shared.WrapError("redis", "Set", shared.ErrPersistence, "delete failed", err)
		}
		return nil
	}
	if err := s.client.Set(ctx, k, value, 0).Err(); err != nil {
		return shared.WrapError("redis", "Set", shared.ErrPersistence, "write failed", err)
	}
	return nil
}
