package runtime

import (
	"context"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/taskgraph/config"
	"github.com/mohammad-safakhou/taskgraph/internal/backoff"
	"github.com/mohammad-safakhou/taskgraph/internal/graph"
)

// OpenGraph connects the configured graph store, retrying per graph.retry.
func OpenGraph(ctx context.Context, cfg *config.Config, logger *log.Logger) (*graph.SQLStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	opts := graph.Options{
		Driver: cfg.Graph.Driver,
		Path:   cfg.Graph.Path,
		Policy: cfg.Graph.Retry.Policy(backoff.Default()),
		Logger: logger,
	}
	if cfg.Graph.Driver == "postgres" {
		dsn, err := cfg.Graph.Postgres.DSN()
		if err != nil {
			return nil, err
		}
		opts.DSN = dsn
	}
	return graph.Open(ctx, opts)
}

// OpenRedis returns a pinged client, or nil when redis is not configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}
