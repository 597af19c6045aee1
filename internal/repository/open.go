package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"proposal-workflow/backend/internal/config"
	"proposal-workflow/backend/internal/logging"
)

// Open connects the storage driver named in cfg. The returned func releases
// the underlying connections.
func Open(ctx context.Context, cfg *config.Config, logger *logging.Logger) (Store, func(), error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		logger.Debug("Initializing database connection", "host", cfg.DB.Host, "db", cfg.DB.Name)
		poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse database config: %w", err)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		store := NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		return NewRedisStore(client, cfg.Redis.Prefix), func() { _ = client.Close() }, nil

	case config.DriverMemory, "":
		logger.Warn("Using in-memory storage; data is lost on restart")
		return NewMemoryStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
