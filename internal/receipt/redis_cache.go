package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps receipts in Redis. Funding receipts never change once
// mined, so the TTL only bounds memory.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

// CacheKey formats a cache key for a receipt.
func CacheKey(escrowID string) string {
	return fmt.Sprintf("receipt:v1:%s", escrowID)
}

func (c *RedisCache) Get(ctx context.Context, escrowID string) (*Receipt, error) {
	data, err := c.client.Get(ctx, CacheKey(escrowID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("cache decode: %w", err)
	}
	return &r, nil
}

func (c *RedisCache) Set(ctx context.Context, r Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, CacheKey(r.EscrowID), data, c.ttl).Err()
}
