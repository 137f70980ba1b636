package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

type window struct {
	count   int64
	resetAt time.Time
}

// DefaultCleanupInterval is how often NewMemoryStore drops expired windows.
const DefaultCleanupInterval = time.Minute

// MemoryStore keeps counters in process memory. A window is replaced when
// its key is next touched after it expired; a janitor drops windows whose
// keys are never touched again.
type MemoryStore struct {
	mu       sync.Mutex
	counters *cache.Cache
	now      func() time.Time
}

var _ ports.RateLimitStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store that sweeps expired windows every
// DefaultCleanupInterval.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithCleanup(DefaultCleanupInterval)
}

// NewMemoryStoreWithCleanup creates an empty store that sweeps expired
// windows every interval. A non-positive interval disables the janitor.
func NewMemoryStoreWithCleanup(interval time.Duration) *MemoryStore {
	if interval < 0 {
		interval = 0
	}
	return &MemoryStore{
		counters: cache.New(cache.NoExpiration, interval),
		now:      time.Now,
	}
}

// WithClock replaces the time source.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Increment implements ports.RateLimitStore.
func (s *MemoryStore) Increment(_ context.Context, key string, win time.Duration) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if v, ok := s.counters.Get(key); ok {
		w := v.(*window)
		if now.Before(w.resetAt) {
			w.count++
			return w.count, w.resetAt, nil
		}
	}

	w := &window{count: 1, resetAt: now.Add(win)}
	s.counters.Set(key, w, win)
	return w.count, w.resetAt, nil
}

// Len returns the number of tracked keys, expired or not.
func (s *MemoryStore) Len() int { return s.counters.ItemCount() }
