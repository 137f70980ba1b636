package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyronith/kurral-sub012/infrastructure/ratelimit"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

type brokenStore struct{}

func (brokenStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("redis down")
}

func newLimitedServer(store ports.RateLimitStore, rule ratelimit.Rule) *echo.Echo {
	e := echo.New()
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if user := c.Request().Header.Get("X-Test-User"); user != "" {
				c.Set(identityKey, ports.Identity{UserID: user})
			}
			return next(c)
		}
	})
	e.Use(EchoRateLimit(store, rule, nil))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	return e
}

func doRequest(e *echo.Echo, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestEchoRateLimit(t *testing.T) {
	e := newLimitedServer(ratelimit.NewMemoryStore(), ratelimit.Rule{MaxRequests: 2, Window: time.Minute})

	assert.Equal(t, http.StatusOK, doRequest(e, "alice").Code)
	assert.Equal(t, http.StatusOK, doRequest(e, "alice").Code)

	limited := doRequest(e, "alice")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, doRequest(e, "bob").Code, "budgets are per user")
	assert.Equal(t, http.StatusOK, doRequest(e, "").Code, "anonymous callers are keyed by IP")
}

// exhaustedStore reports every caller over budget until resetAt.
type exhaustedStore struct {
	resetAt time.Time
}

func (s exhaustedStore) Increment(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 100, s.resetAt, nil
}

func TestEchoRateLimit_RetryAfterRoundsUp(t *testing.T) {
	e := newLimitedServer(exhaustedStore{resetAt: time.Now().Add(1900 * time.Millisecond)},
		ratelimit.Rule{MaxRequests: 1, Window: time.Minute})

	rec := doRequest(e, "alice")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1900 * time.Millisecond, "2"},
		{30 * time.Second, "30"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfterSeconds(tt.in), "duration %s", tt.in)
	}
}

func TestEchoRateLimit_StoreFailureFailsOpen(t *testing.T) {
	e := newLimitedServer(brokenStore{}, ratelimit.Rule{MaxRequests: 1, Window: time.Minute})

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, doRequest(e, "alice").Code)
	}
}
