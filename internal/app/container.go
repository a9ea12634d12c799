// Package app wires configuration, infrastructure and the purchase
// engine into a runnable application container.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"golang.org/x/text/language"

	"github.com/felixgeelhaar/storeflow/internal/backend"
	"github.com/felixgeelhaar/storeflow/internal/engine"
	entapp "github.com/felixgeelhaar/storeflow/internal/entitlement/application"
	entinfra "github.com/felixgeelhaar/storeflow/internal/entitlement/infrastructure"
	"github.com/felixgeelhaar/storeflow/internal/ledger/sqlite"
	"github.com/felixgeelhaar/storeflow/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/storeflow/pkg/config"
	"github.com/felixgeelhaar/storeflow/pkg/observability"
)

// Container holds all application dependencies.
type Container struct {
	Config  *config.Config
	Logger  *slog.Logger
	Metrics observability.Metrics

	// Platform purchase ledger
	Ledger *sqlite.Ledger

	// Backend API client
	Backend *backend.Client

	// Redis (entitlement snapshots; optional)
	RedisClient *redis.Client
	Snapshots   entapp.SnapshotStore

	// Event publishing
	EventPublisher eventbus.Publisher

	// Purchase engine
	Engine *engine.Engine
}

// NewContainer builds a fully wired container from configuration.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewInMemoryMetrics(),
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LedgerPath), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	store, err := sqlite.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	c.Ledger = store
	if cfg.Environment == "sandbox" {
		store.Sandbox(true)
	}

	c.Backend = backend.NewClient(cfg.APIKey, cfg.Environment, logger,
		backend.WithBaseURL(cfg.APIBaseURL),
		backend.WithLanguages(cfg.Languages),
	)

	c.EventPublisher = eventbus.NewInProcessBus(logger)
	if cfg.RabbitMQEnabled {
		publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		c.EventPublisher = publisher
	}

	if cfg.RedisEnabled {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		c.RedisClient = redis.NewClient(redisOpts)
		if err := c.RedisClient.Ping(ctx).Err(); err != nil {
			c.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		c.Snapshots = entinfra.NewRedisSnapshotStore(c.RedisClient, "storeflow").
			WithTTL(cfg.SnapshotTTL)
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithPublisher(c.EventPublisher),
		engine.WithMetrics(c.Metrics),
		engine.WithSyncTTL(cfg.SyncTTL),
	}
	if lang := preferredLanguage(cfg.Languages); lang != language.Und {
		opts = append(opts, engine.WithLanguage(lang))
	}
	if c.Snapshots != nil {
		opts = append(opts, engine.WithSnapshotStore(c.Snapshots))
	}
	c.Engine = engine.New(c.Backend, store, opts...)

	logger.Info("container initialized",
		"environment", cfg.Environment,
		"ledger_path", cfg.LedgerPath,
		"redis", cfg.RedisEnabled,
		"rabbitmq", cfg.RabbitMQEnabled,
	)
	return c, nil
}

// Close releases all container resources.
func (c *Container) Close() error {
	if c.Engine != nil {
		c.Engine.Close()
	}
	return c.close()
}

func (c *Container) close() error {
	var firstErr error
	if c.EventPublisher != nil {
		if err := c.EventPublisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Ledger != nil {
		if err := c.Ledger.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// preferredLanguage picks the first parsable configured language.
func preferredLanguage(langs []string) language.Tag {
	for _, l := range langs {
		if tag, err := language.Parse(l); err == nil {
			return tag
		}
	}
	return language.Und
}
