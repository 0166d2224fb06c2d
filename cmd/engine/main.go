// Package main is the entry point for the progression engine daemon.
//
// The daemon wires a persistence backend (memory, Redis, or PostgreSQL),
// an event bus (in-process or Redis-distributed), and the optional role
// manager collaborator behind the engine facade, then runs until it
// receives a termination signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/progression-hub/progression-engine/config"
	"github.com/progression-hub/progression-engine/internal/application/engine"
	"github.com/progression-hub/progression-engine/internal/domain/shared"
	"github.com/progression-hub/progression-engine/internal/infrastructure/external/roles"
	"github.com/progression-hub/progression-engine/internal/infrastructure/messaging"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/kv"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/postgres"
	"github.com/progression-hub/progression-engine/internal/infrastructure/persistence/redis"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(cfg)
	logger.Info("starting progression engine",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"backend", cfg.Engine.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer cleanup()

	bus, err := openBus(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open event bus: %w", err)
	}
	defer bus.Close()

	manager, err := openRoleManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("open role manager: %w", err)
	}

	if _, err := engine.New(store, bus, manager, logger); err != nil {
		return fmt.Errorf("wire engine: %w", err)
	}

	logger.Info("progression engine ready")
	<-ctx.Done()
	logger.Info("shutting down", "timeout", cfg.App.ShutdownTimeout)
	return nil
}

// closableBus is what openBus returns: both bus variants support Close.
type closableBus interface {
	shared.EventBus
	Close() error
}

func openStore(ctx context.Context, cfg *config.Config) (kv.Store, func(), error) {
	switch cfg.Engine.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.Database.URL,
			MaxConns:        int32(cfg.Database.MaxConns),
			MinConns:        int32(cfg.Database.MinConns),
			MaxConnLifetime: cfg.Database.ConnMaxLifetime,
			MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
			ConnectTimeout:  cfg.Database.ConnectTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(pool), pool.Close, nil

	case config.BackendRedis:
		client, err := redis.Connect(ctx, redisConfig(cfg))
		if err != nil {
			return nil, nil, err
		}
		return redis.NewStore(client, cfg.Engine.KeyPrefix), func() { client.Close() }, nil

	default:
		return kv.NewMemoryStore(), func() {}, nil
	}
}

func openBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (closableBus, error) {
	local := messaging.Config{
		AsyncMode:      cfg.Engine.AsyncEvents,
		WorkerPoolSize: cfg.Engine.EventWorkers,
		Logger:         logger,
	}

	if !cfg.Engine.DistributedEvents {
		return messaging.NewInMemoryEventBus(local), nil
	}

	client, err := redis.Connect(ctx, redisConfig(cfg))
	if err != nil {
		return nil, err
	}
	return messaging.NewRedisEventBus(messaging.RedisBusConfig{
		Client:      client,
		ChannelName: cfg.Engine.EventChannel,
		LocalConfig: local,
		Logger:      logger,
	})
}

func openRoleManager(cfg *config.Config, logger *slog.Logger) (roles.Manager, error) {
	if cfg.Roles.BaseURL == "" {
		return roles.NopManager{}, nil
	}
	return roles.NewClient(roles.ClientConfig{
		BaseURL:      cfg.Roles.BaseURL,
		Token:        cfg.Roles.Token,
		Timeout:      cfg.Roles.Timeout,
		MaxRetries:   cfg.Roles.MaxRetries,
		RetryBackoff: cfg.Roles.RetryBackoff,
		Logger:       logger,
	})
}

func redisConfig(cfg *config.Config) redis.Config {
	return redis.Config{
		Host:         cfg.Redis.Host,
		Port:         cfg.Redis.Port,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}
