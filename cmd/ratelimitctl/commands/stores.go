package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"ratelimit-engine/internal/config"
	"ratelimit-engine/internal/infra/adapter/persistence/postgres"
	"ratelimit-engine/internal/infra/db"
	"ratelimit-engine/internal/infra/redisstore"
)

// errMemoryBackend is returned by commands that need shared state.
var errMemoryBackend = errors.New("RATELIMIT_BACKEND=memory keeps state inside ratelimitd; nothing to operate on")

// stores are the persistent backends named by the configuration.
type stores struct {
	db      *sql.DB
	durable *postgres.WindowStore
	// redis is nil when REDIS_URL is unset.
	redis *redisstore.Store
}

func openStores(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) (*stores, error) {
	if cfg.Backend == config.BackendMemory {
		return nil, errMemoryBackend
	}
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	s := &stores{
		db:      database,
		durable: postgres.NewWindowStore(database, postgres.WindowStoreConfig{Logger: logger}),
	}
	if cfg.UsesRedis() {
		s.redis = redisstore.New(redisstore.Config{
			URL:       cfg.RedisURL,
			KeyPrefix: cfg.KeyPrefix,
			ScanBatch: int64(cfg.ScanBatch),
			Logger:    logger,
		})
	}
	return s, nil
}

func (s *stores) close(ctx context.Context) {
	if s.redis != nil {
		s.redis.Shutdown(ctx)
	}
	_ = s.db.Close()
}
