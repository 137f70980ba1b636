package middleware

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/heyronith/kurral-sub012/infrastructure/ratelimit"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// EchoRateLimit enforces rule per caller. Authenticated callers are keyed
// by user id, anonymous ones by client IP. Over-budget requests get 429
// with a Retry-After header. A store failure lets the request through.
func EchoRateLimit(store ports.RateLimitStore, rule ratelimit.Rule, logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if identity, ok := IdentityFrom(c); ok {
				key = "user:" + identity.UserID
			}

			err := ratelimit.Enforce(c.Request().Context(), store, key, rule)
			var limitErr *ports.RateLimitExceededError
			switch {
			case err == nil:
				return next(c)
			case errors.As(err, &limitErr):
				c.Response().Header().Set("Retry-After", retryAfterSeconds(limitErr.RetryAfter))
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			default:
				logger.WarnContext(c.Request().Context(), "rate limit store unavailable", "key", key, "error", err)
				return next(c)
			}
		}
	}
}

// retryAfterSeconds renders d as whole seconds, rounded up and at least 1.
func retryAfterSeconds(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}
