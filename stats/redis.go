package stats

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultHashKey is the Redis hash holding the counters.
const DefaultHashKey = "proxy:stats"

// RedisCounters stores the counters as fields of a single Redis hash so that
// every proxy instance sharing the Redis server sees the same totals.
type RedisCounters struct {
	client redis.UniversalClient
	key    string
}

// RedisOption configures a RedisCounters.
type RedisOption func(*RedisCounters)

// WithHashKey overrides the hash key.
func WithHashKey(key string) RedisOption {
	return func(c *RedisCounters) {
		c.key = key
	}
}

// NewRedisCounters creates counters backed by client.
func NewRedisCounters(client redis.UniversalClient, opts ...RedisOption) *RedisCounters {
	c := &RedisCounters{client: client, key: DefaultHashKey}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RedisCounters) Increment(ctx context.Context, counter Counter, n int64) error {
	if err := c.client.HIncrBy(ctx, c.key, string(counter), n).Err(); err != nil {
		return fmt.Errorf("incrementing %s: %w", counter, err)
	}
	return nil
}

func (c *RedisCounters) Read(ctx context.Context) (Snapshot, error) {
	fields, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading stats: %w", err)
	}

	var s Snapshot
	for _, counter := range All {
		raw, ok := fields[string(counter)]
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		s.set(counter, v)
	}
	return s, nil
}

func (c *RedisCounters) Reset(ctx context.Context) error {
	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("resetting stats: %w", err)
	}
	return nil
}
