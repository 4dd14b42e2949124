package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces cache keys so they do not collide with other
	// data (such as the stats hash) in the same Redis database.
	DefaultKeyPrefix = "cache:"

	defaultScanCount = 500
)

// RedisStore is a Store backed by Redis. Expiry is delegated to Redis key TTLs,
// so every proxy instance pointing at the same server shares cache state.
type RedisStore struct {
	client    redis.UniversalClient
	codec     *Codec
	prefix    string
	scanCount int64
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix prepended to every cache key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithScanCount sets the SCAN batch hint used by DropAll.
func WithScanCount(n int64) RedisOption {
	return func(s *RedisStore) {
		s.scanCount = n
	}
}

// NewRedisStore creates a store on top of an existing client.
// The client is owned by the caller; Close does not close it.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	codec, err := NewCodec()
	if err != nil {
		return nil, err
	}

	s := &RedisStore{
		client:    client,
		codec:     codec,
		prefix:    DefaultKeyPrefix,
		scanCount: defaultScanCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Get reads the value and its TTL in a single MULTI/EXEC round trip so the
// remaining lifetime belongs to the value returned.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, time.Duration, error) {
	k := s.prefix + key

	var (
		getCmd *redis.StringCmd
		ttlCmd *redis.DurationCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		getCmd = pipe.Get(ctx, k)
		ttlCmd = pipe.TTL(ctx, k)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("redis get %q: %w", key, err)
	}

	data, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("redis get %q: %w", key, err)
	}

	entry, err := s.codec.Decode(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding %q: %w", key, err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return entry, ttl, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return errNonPositiveTTL(ttl)
	}

	data, err := s.codec.Encode(entry)
	if err != nil {
		return err
	}

	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// TTL returns the remaining lifetime of key. Keys without an expiry report zero.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.TTL(ctx, s.prefix+key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %q: %w", key, err)
	}
	// -2 means the key does not exist, -1 means it has no expiry.
	switch {
	case ttl == -2 || ttl == -2*time.Second:
		return 0, ErrNotFound
	case ttl < 0:
		return 0, nil
	}
	return ttl, nil
}

// DropAll deletes every cache entry under the store prefix. Only string keys
// are matched, so other data sharing the keyspace (the stats hash) survives
// an empty prefix.
func (s *RedisStore) DropAll(ctx context.Context) error {
	iter := s.client.ScanType(ctx, 0, s.prefix+"*", s.scanCount, "string").Iterator()

	batch := make([]string, 0, s.scanCount)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis unlink: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= s.scanCount {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	return flush()
}

// Close releases the codec. The Redis client is left open for its owner.
func (s *RedisStore) Close() error {
	s.codec.Close()
	return nil
}

var _ Store = (*RedisStore)(nil)
