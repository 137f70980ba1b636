// Package ratelimit enforces fixed-window request budgets on top of a
// ports.RateLimitStore. Two stores are provided: an in-process one for a
// single instance and a Redis one shared by every instance.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// Rule is a request budget per window.
type Rule struct {
	MaxRequests int64         `mapstructure:"max_requests" yaml:"max_requests" validate:"gte=0"`
	Window      time.Duration `mapstructure:"window" yaml:"window" validate:"gte=0"`
}

// Enabled reports whether the rule limits anything.
func (r Rule) Enabled() bool { return r.MaxRequests > 0 && r.Window > 0 }

// Enforce counts one request against key and returns a
// *ports.RateLimitExceededError once the budget for the window is spent.
// A disabled rule always passes.
func Enforce(ctx context.Context, store ports.RateLimitStore, key string, rule Rule) error {
	return enforceAt(ctx, store, key, rule, time.Now())
}

func enforceAt(ctx context.Context, store ports.RateLimitStore, key string, rule Rule, now time.Time) error {
	if !rule.Enabled() {
		return nil
	}

	count, resetAt, err := store.Increment(ctx, key, rule.Window)
	if err != nil {
		return fmt.Errorf("rate limit check for %s: %w", key, err)
	}
	if count <= rule.MaxRequests {
		return nil
	}

	retry := resetAt.Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return &ports.RateLimitExceededError{Key: key, Limit: rule.MaxRequests, RetryAfter: retry}
}
