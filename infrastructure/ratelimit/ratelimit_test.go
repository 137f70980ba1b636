package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

type failingStore struct{}

func (failingStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func TestMemoryStore_FixedWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, resetAt, err := store.Increment(ctx, "user-1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.Equal(t, now.Add(time.Minute), resetAt)
	}

	count, _, err := store.Increment(ctx, "user-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "keys are counted independently")

	now = now.Add(61 * time.Second)
	count, resetAt, err := store.Increment(ctx, "user-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "an expired window starts over")
	assert.Equal(t, now.Add(time.Minute), resetAt)
}

func TestMemoryStore_JanitorDropsAbandonedKeys(t *testing.T) {
	store := NewMemoryStoreWithCleanup(5 * time.Millisecond)
	ctx := context.Background()

	for _, ip := range []string{"ip:10.0.0.1", "ip:10.0.0.2", "ip:10.0.0.3"} {
		_, _, err := store.Increment(ctx, ip, 200*time.Millisecond)
		require.NoError(t, err)
	}
	require.Equal(t, 3, store.Len())

	assert.Eventually(t, func() bool { return store.Len() == 0 }, 2*time.Second, 5*time.Millisecond,
		"expired windows are reclaimed without further traffic")
}

func TestRedisStore_FixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := NewRedisStore(rdb, "rl:")
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		count, resetAt, err := store.Increment(ctx, "user-1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, count)
		assert.WithinDuration(t, time.Now().Add(time.Minute), resetAt, 2*time.Second)
	}

	ttl := mr.TTL("rl:user-1")
	assert.Greater(t, ttl, time.Duration(0), "window key must expire")

	mr.FastForward(2 * time.Minute)
	count, _, err := store.Increment(ctx, "user-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEnforce(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name     string
		rule     Rule
		calls    int
		wantErr  bool
		wantWait time.Duration
	}{
		{name: "under budget", rule: Rule{MaxRequests: 3, Window: time.Minute}, calls: 3},
		{name: "over budget", rule: Rule{MaxRequests: 2, Window: time.Minute}, calls: 3, wantErr: true, wantWait: time.Minute},
		{name: "disabled rule", rule: Rule{}, calls: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore().WithClock(func() time.Time { return now })
			var err error
			for i := 0; i < tt.calls; i++ {
				err = enforceAt(ctx, store, "user-1", tt.rule, now)
			}
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			var limitErr *ports.RateLimitExceededError
			require.ErrorAs(t, err, &limitErr)
			assert.Equal(t, "user-1", limitErr.Key)
			assert.Equal(t, tt.rule.MaxRequests, limitErr.Limit)
			assert.Equal(t, tt.wantWait, limitErr.RetryAfter)
		})
	}
}

func TestEnforce_StoreError(t *testing.T) {
	err := Enforce(context.Background(), failingStore{}, "k", Rule{MaxRequests: 1, Window: time.Second})
	require.Error(t, err)

	var limitErr *ports.RateLimitExceededError
	assert.False(t, errors.As(err, &limitErr))
}
