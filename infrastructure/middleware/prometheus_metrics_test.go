package middleware

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyronith/kurral-sub012/infrastructure/llm"
)

func newTestMetrics(t *testing.T) (*PrometheusMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusMetrics(reg), reg
}

func TestPrometheusMetrics_RoutesNamedMetrics(t *testing.T) {
	pm, _ := newTestMetrics(t)

	pm.RecordCounter(MetricRunsTotal, 1, map[string]string{"status": "completed", "fact_check_status": "clean"})
	pm.RecordCounter(MetricRunsTotal, 1, map[string]string{"status": "completed", "fact_check_status": "clean"})
	pm.RecordCounter(MetricSideEffectJobs, 1, map[string]string{"type": "reputation_update", "status": "published"})
	pm.RecordCounter(MetricLLMRequests, 1, map[string]string{"provider": "openai", "model": "gpt-4o-mini", "status": "success"})
	pm.RecordCounter(MetricLLMTokens, 42, map[string]string{"provider": "openai", "model": "gpt-4o-mini", "token_type": "input"})
	pm.RecordCounter("cache_hits", 3, nil)
	pm.RecordGauge(MetricInflight, 2, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.runs.WithLabelValues("completed", "clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.sideEffects.WithLabelValues("reputation_update", "published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.llmRequests.WithLabelValues("openai", "gpt-4o-mini", "success")))
	assert.Equal(t, 42.0, testutil.ToFloat64(pm.llmTokens.WithLabelValues("openai", "gpt-4o-mini", "input")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.events.WithLabelValues("cache_hits")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.gauges.WithLabelValues(MetricInflight)))
}

func TestPrometheusMetrics_MissingLabelsUseDefaults(t *testing.T) {
	pm, _ := newTestMetrics(t)

	pm.RecordCounter(MetricRunsTotal, 1, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.runs.WithLabelValues("unknown", "none")))
}

func TestPrometheusMetrics_Histograms(t *testing.T) {
	pm, reg := newTestMetrics(t)

	pm.RecordLatency(MetricStageLatency, 150*time.Millisecond, map[string]string{"step": "precheck"})
	pm.RecordHistogram(MetricValueScore, 0.72, map[string]string{"domain": "health"})
	pm.RecordHistogram(MetricLLMLatency, 1.2, map[string]string{"provider": "google", "model": "gemini", "status": "success"})
	pm.RecordHistogram("queue_wait_seconds", 0.3, nil)

	families, err := reg.Gather()
	require.NoError(t, err)

	counts := map[string]uint64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if h := m.GetHistogram(); h != nil {
				counts[mf.GetName()] += h.GetSampleCount()
			}
		}
	}
	assert.Equal(t, uint64(1), counts["pipeline_stage_duration_seconds"])
	assert.Equal(t, uint64(1), counts[MetricValueScore])
	assert.Equal(t, uint64(1), counts[MetricLLMLatency])
	assert.Equal(t, uint64(1), counts["pipeline_observations"])
}

func TestPrometheusMetrics_CircuitBreaker(t *testing.T) {
	pm, _ := newTestMetrics(t)
	cb := pm.CircuitBreaker("anthropic", "haiku")

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordTrip()
	cb.RecordState(llm.StateOpen)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.breakerEvents.WithLabelValues("anthropic", "haiku", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.breakerEvents.WithLabelValues("anthropic", "haiku", "trip")))
	assert.Equal(t, float64(llm.StateOpen), testutil.ToFloat64(pm.breakerState.WithLabelValues("anthropic", "haiku")))
}

func TestNewPrometheusMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusMetrics(prometheus.NewRegistry())
		NewPrometheusMetrics(prometheus.NewRegistry())
	})
}
