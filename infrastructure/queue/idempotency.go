package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// DefaultIdempotencyTTL bounds how long a processed job id is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// MemoryIdempotencyStore keeps processed keys in process memory.
type MemoryIdempotencyStore struct {
	seen *cache.Cache
}

var _ ports.IdempotencyStore = (*MemoryIdempotencyStore)(nil)

// NewMemoryIdempotencyStore creates a store whose expired keys are purged
// every cleanup interval.
func NewMemoryIdempotencyStore(cleanup time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: cache.New(DefaultIdempotencyTTL, cleanup)}
}

// MarkProcessed records key. Add fails when the key is present and
// unexpired, which makes the check and the write a single step.
func (s *MemoryIdempotencyStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return s.seen.Add(key, struct{}{}, ttl) == nil, nil
}

// Release forgets key.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.seen.Delete(key)
	return nil
}

// RedisIdempotencyStore shares processed keys across workers.
type RedisIdempotencyStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ ports.IdempotencyStore = (*RedisIdempotencyStore)(nil)

// NewRedisIdempotencyStore creates a store that namespaces keys with prefix.
func NewRedisIdempotencyStore(rdb redis.UniversalClient, prefix string) *RedisIdempotencyStore {
	if prefix == "" {
		prefix = "pipeline:processed:"
	}
	return &RedisIdempotencyStore{rdb: rdb, prefix: prefix}
}

// MarkProcessed sets key with SETNX and reports whether it was newly set.
func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	ok, err := s.rdb.SetNX(ctx, s.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Release deletes key.
func (s *RedisIdempotencyStore) Release(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}
