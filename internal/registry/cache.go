package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache holds the last ListStatus snapshot, shared by every process that
// writes Agent nodes. Invalidate bumps a generation; Set stores a snapshot
// only if the generation it was read under is still current, so a listing
// that raced a status write is never cached.
type Cache interface {
	Get(ctx context.Context) ([]AgentStatus, bool, error)
	Generation(ctx context.Context) (int64, error)
	Set(ctx context.Context, gen int64, agents []AgentStatus) error
	Invalidate(ctx context.Context) error
}

// DefaultCacheKey is the redis key of the shared snapshot.
const DefaultCacheKey = "taskgraph:agents:status"

// RedisCache keeps the snapshot in redis so agents, coordinators and
// workers invalidate the same entry.
type RedisCache struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{Client: client, Key: DefaultCacheKey, TTL: ttl}
}

func (c *RedisCache) genKey() string { return c.Key + ":gen" }

func (c *RedisCache) Get(ctx context.Context) ([]AgentStatus, bool, error) {
	raw, err := c.Client.Get(ctx, c.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", c.Key, err)
	}
	var agents []AgentStatus
	if err := json.Unmarshal(raw, &agents); err != nil {
		// a corrupt entry is a miss
		return nil, false, nil
	}
	return agents, true, nil
}

func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.Client.Get(ctx, c.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get %s: %w", c.genKey(), err)
	}
	return gen, nil
}

func (c *RedisCache) Set(ctx context.Context, gen int64, agents []AgentStatus) error {
	raw, err := json.Marshal(agents)
	if err != nil {
		return err
	}
	err = c.Client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, c.genKey()).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, c.Key, raw, c.TTL)
			return nil
		})
		return err
	}, c.genKey())
	if errors.Is(err, redis.TxFailedErr) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis set %s: %w", c.Key, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	_, err := c.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, c.genKey())
		p.Del(ctx, c.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis invalidate %s: %w", c.Key, err)
	}
	return nil
}
