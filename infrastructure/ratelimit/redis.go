package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// RedisStore keeps counters in Redis so every instance shares a budget.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ ports.RateLimitStore = (*RedisStore)(nil)

// NewRedisStore creates a store that namespaces keys with prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "pipeline:ratelimit:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix, now: time.Now}
}

// Increment implements ports.RateLimitStore. The expiry is set only by the
// request that opens the window.
func (s *RedisStore) Increment(ctx context.Context, key string, win time.Duration) (int64, time.Time, error) {
	k := s.prefix + key

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Do(ctx, "pexpire", k, win.Milliseconds(), "nx")
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("increment %s: %w", key, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		// A key without expiry would never reset.
		if err := s.rdb.PExpire(ctx, k, win).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("expire %s: %w", key, err)
		}
		remaining = win
	}
	return incr.Val(), s.now().Add(remaining), nil
}
