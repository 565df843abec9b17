package exchangerate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const redisTimeout = 5 * time.Second

// RedisCache shares rate tables between gateway replicas.
type RedisCache struct {
	client redis.Cmdable
	prefix string
}

// NewRedisCache wraps a go-redis client. Keys are stored as prefix+key.
func NewRedisCache(client redis.Cmdable, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix}
}

// Get loads and decodes the table stored under key.
func (c *RedisCache) Get(ctx context.Context, key string) (map[string]decimal.Decimal, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	body, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var rates map[string]decimal.Decimal
	if err := json.Unmarshal(body, &rates); err != nil {
		return nil, false, fmt.Errorf("decode cached rates %s: %w", key, err)
	}
	return rates, true, nil
}

// Set encodes rates and stores them under key with ttl.
func (c *RedisCache) Set(ctx context.Context, key string, rates map[string]decimal.Decimal, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()

	body, err := json.Marshal(rates)
	if err != nil {
		return fmt.Errorf("encode rates %s: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, body, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
