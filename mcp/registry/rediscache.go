package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by a shared Redis instance, for multi-process
// deployments where MemoryCache's in-process map would diverge across
// instances. Exercises the teacher's redis/go-redis/v9 dependency, which
// runtime/registry imports but never wires to a concrete cache
// implementation in-tree.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithKeyPrefix namespaces every key this cache reads or writes. Defaults to
// "agentbus:toolserver:".
func WithKeyPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) { c.prefix = prefix }
}

// NewRedisCache wraps an existing *redis.Client as a Cache.
func NewRedisCache(client *redis.Client, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{client: client, prefix: "agentbus:toolserver:"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get retrieves and JSON-decodes a cached entry. A Redis miss (key not
// found) is reported as a nil, nil result, matching Cache's miss contract.
func (c *RedisCache) Get(ctx context.Context, key string) (*ToolServerMetadata, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta ToolServerMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Set JSON-encodes meta and stores it with the given TTL.
func (c *RedisCache) Set(ctx context.Context, key string, meta *ToolServerMetadata, ttl time.Duration) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, raw, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
