// Package middleware provides cross-cutting concerns for the pipeline:
// Prometheus metrics, identity verification and request rate limiting for
// the HTTP entry point.
package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/heyronith/kurral-sub012/infrastructure/llm"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// Metric names understood by PrometheusMetrics. Anything else is counted
// under pipeline_events_total or pipeline_state with a metric label.
const (
	MetricStageLatency   = "pipeline_stage"
	MetricRunsTotal      = "pipeline_runs_total"
	MetricValueScore     = "pipeline_value_score"
	MetricInflight       = "pipeline_inflight"
	MetricSideEffectJobs = "side_effect_jobs_total"
	MetricLLMLatency     = "llm_latency_seconds"
	MetricLLMRequests    = "llm_requests_total"
	MetricLLMTokens      = "llm_tokens_total"
)

// PrometheusMetrics implements ports.MetricsCollector on Prometheus
// collectors registered with a caller-supplied registerer.
type PrometheusMetrics struct {
	stageLatency  *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	valueScore    *prometheus.HistogramVec
	sideEffects   *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec
	llmRequests   *prometheus.CounterVec
	llmTokens     *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	breakerEvents *prometheus.CounterVec
	events        *prometheus.CounterVec
	gauges        *prometheus.GaugeVec
	observations  *prometheus.HistogramVec
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer. Registering twice
// with the same registerer panics, so tests pass a fresh registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		stageLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Duration of each pipeline step.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step", "status"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRunsTotal,
				Help: "Pipeline runs by terminal status and fact-check outcome.",
			},
			[]string{"status", "fact_check_status"},
		),
		valueScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricValueScore,
				Help:    "Distribution of total value scores.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"domain"},
		),
		sideEffects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricSideEffectJobs,
				Help: "Side-effect jobs by type and publish status.",
			},
			[]string{"type", "status"},
		),
		llmLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricLLMLatency,
				Help:    "LLM request latency.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model", "status"},
		),
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLLMRequests,
				Help: "LLM requests by provider, model and status.",
			},
			[]string{"provider", "model", "status"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricLLMTokens,
				Help: "Tokens consumed by LLM requests.",
			},
			[]string{"provider", "model", "token_type"},
		),
		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llm_circuit_breaker_state",
				Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"provider", "model"},
		),
		breakerEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_circuit_breaker_events_total",
				Help: "Circuit breaker trips, successes and failures.",
			},
			[]string{"provider", "model", "event"},
		),
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_events_total",
				Help: "Counters without a dedicated collector.",
			},
			[]string{"metric"},
		),
		gauges: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_state",
				Help: "Gauges such as the number of in-flight runs.",
			},
			[]string{"metric"},
		),
		observations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_observations",
				Help:    "Histograms without a dedicated collector.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"metric"},
		),
	}
}

// RecordLatency records a step duration. The step defaults to operation.
func (pm *PrometheusMetrics) RecordLatency(operation string, duration time.Duration, labels map[string]string) {
	step := labelOr(labels, "step", operation)
	pm.stageLatency.WithLabelValues(step, labelOr(labels, "status", "success")).Observe(duration.Seconds())
}

// RecordCounter adds value to the collector behind metric.
func (pm *PrometheusMetrics) RecordCounter(metric string, value float64, labels map[string]string) {
	switch metric {
	case MetricRunsTotal:
		pm.runs.WithLabelValues(labelOr(labels, "status", "unknown"), labelOr(labels, "fact_check_status", "none")).Add(value)
	case MetricSideEffectJobs:
		pm.sideEffects.WithLabelValues(labelOr(labels, "type", "unknown"), labelOr(labels, "status", "unknown")).Add(value)
	case MetricLLMRequests:
		pm.llmRequests.WithLabelValues(labels["provider"], labels["model"], labelOr(labels, "status", "unknown")).Add(value)
	case MetricLLMTokens:
		pm.llmTokens.WithLabelValues(labels["provider"], labels["model"], labelOr(labels, "token_type", "unknown")).Add(value)
	default:
		pm.events.WithLabelValues(metric).Add(value)
	}
}

// RecordGauge sets a gauge value.
func (pm *PrometheusMetrics) RecordGauge(metric string, value float64, _ map[string]string) {
	pm.gauges.WithLabelValues(metric).Set(value)
}

// RecordHistogram observes value in the histogram behind metric.
func (pm *PrometheusMetrics) RecordHistogram(metric string, value float64, labels map[string]string) {
	switch metric {
	case MetricValueScore:
		pm.valueScore.WithLabelValues(labelOr(labels, "domain", "other")).Observe(value)
	case MetricLLMLatency:
		pm.llmLatency.WithLabelValues(labels["provider"], labels["model"], labelOr(labels, "status", "unknown")).Observe(value)
	default:
		pm.observations.WithLabelValues(metric).Observe(value)
	}
}

// CircuitBreaker returns an observer for the breaker guarding one
// provider/model pair.
func (pm *PrometheusMetrics) CircuitBreaker(provider, model string) llm.CircuitBreakerMetrics {
	return &breakerMetrics{pm: pm, provider: provider, model: model}
}

type breakerMetrics struct {
	pm       *PrometheusMetrics
	provider string
	model    string
}

func (b *breakerMetrics) RecordState(state llm.CircuitBreakerState) {
	b.pm.breakerState.WithLabelValues(b.provider, b.model).Set(float64(state))
}

func (b *breakerMetrics) RecordTrip()    { b.event("trip") }
func (b *breakerMetrics) RecordSuccess() { b.event("success") }
func (b *breakerMetrics) RecordFailure() { b.event("failure") }

func (b *breakerMetrics) event(name string) {
	b.pm.breakerEvents.WithLabelValues(b.provider, b.model, name).Inc()
}

func labelOr(labels map[string]string, key, fallback string) string {
	if v, ok := labels[key]; ok && v != "" {
		return v
	}
	return fallback
}

var _ ports.MetricsCollector = (*PrometheusMetrics)(nil)
