package ports

import (
	"context"
	"time"

	"github.com/heyronith/kurral-sub012/internal/domain"
)

// LLMClient defines the interface for interacting with Large Language
// Model providers.
// Implementations should handle provider-specific details like authentication,
// request formatting, and response parsing.
type LLMClient interface {
	// Complete sends a completion request to the LLM provider.
	// It returns the generated text and any error encountered.
	//
	// The options map allows flexibility for different providers without
	// changing the interface. Common options include:
	//   - "temperature": float64
	//   - "max_tokens": int
	//   - "system": string (system instruction)
	//   - "image_url": string (vision input)
	//   - "json_mode": bool (ask the provider for a JSON-only response)
	Complete(ctx context.Context, prompt string, options map[string]any) (string, error)

	// CompleteWithUsage behaves like Complete and also reports input and
	// output token counts.
	CompleteWithUsage(ctx context.Context, prompt string, options map[string]any) (string, int, int, error)

	// GetModel returns the model identifier being used by this client.
	GetModel() string
}

// Generator is the structured-generation contract the pipeline stages
// consume. JSON methods decode into out, which must be a pointer.
//
// Failures are triaged: *AuthenticationError when the credential is
// rejected, *EmptyResponseError on a blank completion, *JSONParseError when
// a response arrived but held no parseable JSON. Anything else is a
// generic, retryable failure.
type Generator interface {
	// Available reports whether a backing client is configured. Stages
	// treat an unavailable generator as "classifier unavailable".
	Available() bool

	Generate(ctx context.Context, prompt, system string) (string, error)

	GenerateJSON(ctx context.Context, prompt, system string, schema map[string]any, out any) error

	GenerateJSONWithVision(
		ctx context.Context,
		prompt, imageURL, system string,
		schema map[string]any,
		out any,
	) error
}

// EvidenceSearcher retrieves evidence for a claim. How evidence is found is
// up to the implementation.
type EvidenceSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Evidence, error)
}

// InsightsStore persists pipeline output against a content item.
type InsightsStore interface {
	// UpdateContentInsights applies a partial update atomically. Nil fields
	// in update must leave the stored values untouched.
	UpdateContentInsights(ctx context.Context, contentID string, update domain.InsightsUpdate) error
}

// SideEffectQueue accepts fire-and-forget downstream jobs. Delivery may be
// repeated, so consumers must be idempotent.
type SideEffectQueue interface {
	Publish(ctx context.Context, job domain.SideEffectJob) error
}

// IdempotencyStore remembers processed keys for a bounded time.
type IdempotencyStore interface {
	// MarkProcessed records key and reports whether this is the first time
	// it has been seen.
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so that a failed job can be processed again.
	Release(ctx context.Context, key string) error
}

// RateLimitStore keeps fixed-window request counters. Expired windows are
// discarded lazily when the key is next touched.
type RateLimitStore interface {
	// Increment counts one request against key and returns the count within
	// the current window and the time the window resets.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, resetAt time.Time, err error)
}

// Identity is the caller resolved from an identity token.
type Identity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// IdentityVerifier resolves identity tokens issued to callers of the
// pipeline's HTTP entry point.
type IdentityVerifier interface {
	VerifyIdentityToken(token string) (Identity, error)
}

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations should integrate with observability platforms like
// Prometheus or OpenTelemetry.
type MetricsCollector interface {
	// RecordLatency records the execution time of an operation.
	// The labels map provides additional context for the metric.
	RecordLatency(operation string, duration time.Duration, labels map[string]string)

	// RecordCounter increments a counter metric.
	RecordCounter(metric string, value float64, labels map[string]string)

	// RecordGauge sets the current value of a gauge metric.
	RecordGauge(metric string, value float64, labels map[string]string)

	// RecordHistogram records a value in a histogram.
	RecordHistogram(metric string, value float64, labels map[string]string)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

// RecordLatency implements MetricsCollector.
func (NopMetrics) RecordLatency(string, time.Duration, map[string]string) {}

// RecordCounter implements MetricsCollector.
func (NopMetrics) RecordCounter(string, float64, map[string]string) {}

// RecordGauge implements MetricsCollector.
func (NopMetrics) RecordGauge(string, float64, map[string]string) {}

// RecordHistogram implements MetricsCollector.
func (NopMetrics) RecordHistogram(string, float64, map[string]string) {}

var _ MetricsCollector = NopMetrics{}
