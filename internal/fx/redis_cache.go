package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/akylbek/payment-system/merchant-payments/internal/interfaces"
)

// RedisCache keeps fetched rates for a short TTL as "<rate>|<source>".
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, from, to string) (interfaces.Rate, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(from, to)).Result()
	if errors.Is(err, redis.Nil) {
		return interfaces.Rate{}, false, nil
	}
	if err != nil {
		return interfaces.Rate{}, false, err
	}
	value, source, _ := strings.Cut(raw, "|")
	rate, err := decimal.NewFromString(value)
	if err != nil {
		return interfaces.Rate{}, false, fmt.Errorf("corrupt cached rate %q: %w", raw, err)
	}
	return interfaces.Rate{Value: rate, Source: source}, true, nil
}

func (c *RedisCache) Set(ctx context.Context, from, to string, rate interfaces.Rate) error {
	return c.client.Set(ctx, cacheKey(from, to), rate.Value.String()+"|"+rate.Source, c.ttl).Err()
}

func cacheKey(from, to string) string {
	return "fx_rate:" + from + ":" + to
}
