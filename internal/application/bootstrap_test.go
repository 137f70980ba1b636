package application

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyronith/kurral-sub012/infrastructure/queue"
	"github.com/heyronith/kurral-sub012/infrastructure/store"
	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
	"github.com/heyronith/kurral-sub012/internal/testutils"
)

func testConfig(t *testing.T, set map[string]any) *Config {
	t.Helper()
	v := viper.New()
	for k, val := range set {
		v.Set(k, val)
	}
	cfg, err := LoadConfig(v, "")
	require.NoError(t, err)
	return cfg
}

func buildForTest(t *testing.T, cfg *Config, opts BuildOptions) *Components {
	t.Helper()
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = func(string) string { return "" }
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := Build(context.Background(), cfg, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestBuild_WithInjectedClient(t *testing.T) {
	client := testutils.NewMockLLMClient("test-model")
	reg := prometheus.NewRegistry()
	c := buildForTest(t, testConfig(t, nil), BuildOptions{
		Registerer: reg,
		Clients:    map[string]ports.LLMClient{"openai": client},
	})

	var consumeErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeErr = c.ConsumeLocal(context.Background())
	}()

	result, err := c.Orchestrator.Process(context.Background(), testutils.NewsItem(), nil, c.Config.Pipeline)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, domain.FactCheckClean, result.FactCheckStatus)
	assert.NotNil(t, result.ValueScore)
	assert.Positive(t, client.CallsMatching(testutils.PatternVerification))

	rec, err := c.Store.Get(context.Background(), testutils.NewsItem().ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)

	c.CloseLocalQueue()
	wg.Wait()
	require.NoError(t, consumeErr)

	series, err := testutil.GatherAndCount(reg, "side_effect_jobs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, series)
	runs, err := testutil.GatherAndCount(reg, "pipeline_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
}

func TestBuild_WithoutCredentialsFallsBack(t *testing.T) {
	c := buildForTest(t, testConfig(t, map[string]any{"queue.backend": "none"}), BuildOptions{})
	assert.Nil(t, c.Queue)
	assert.Nil(t, c.Dispatcher)

	result, err := c.Orchestrator.Process(context.Background(), testutils.NewsItem(), nil, domain.PipelineOptions{})
	require.NoError(t, err)

	assert.True(t, result.Success)
	require.NotNil(t, result.PreCheck)
	assert.True(t, result.PreCheck.NeedsFactCheck)
	require.NotEmpty(t, result.Claims)
	for _, fc := range result.FactChecks {
		assert.Equal(t, domain.VerdictUnknown, fc.Verdict)
	}
	assert.Equal(t, domain.FactCheckNeedsReview, result.FactCheckStatus)
	assert.Nil(t, result.ValueScore)
	assert.NoError(t, c.ConsumeLocal(context.Background()), "no local queue to drain")
}

func TestBuild_EvidenceIndexAndSQLite(t *testing.T) {
	dir := t.TempDir()
	corpus := filepath.Join(dir, "corpus.yaml")
	require.NoError(t, os.WriteFile(corpus, []byte(`
- id: lib-1
  source: city records
  url: https://example.org/records
  title: Library expansion
  body: Three new library branches opened in 2023 and visits rose sharply.
`), 0o600))

	c := buildForTest(t, testConfig(t, map[string]any{
		"evidence.backend":     "index",
		"evidence.corpus_path": corpus,
		"store.backend":        "sqlite",
		"store.sqlite_path":    filepath.Join(dir, "insights.db"),
	}), BuildOptions{
		Clients: map[string]ports.LLMClient{"openai": testutils.NewMockLLMClient("test-model")},
	})

	result, err := c.Orchestrator.Process(context.Background(), testutils.NewsItem(), nil, domain.PipelineOptions{})
	require.NoError(t, err)
	require.True(t, result.Success)

	rec, err := c.Store.Get(context.Background(), testutils.NewsItem().ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Len(t, rec.FactChecks, 2)
}

func TestBuild_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := testConfig(t, map[string]any{
		"queue.backend":      "redis",
		"rate_limit.backend": "redis",
	})
	c := buildForTest(t, cfg, BuildOptions{
		Redis:   rdb,
		Clients: map[string]ports.LLMClient{"openai": testutils.NewMockLLMClient("test-model")},
	})

	_, err := c.Orchestrator.Process(context.Background(), testutils.NewsItem(), nil, domain.PipelineOptions{})
	require.NoError(t, err)
	c.Dispatcher.Wait()

	entries, err := rdb.XRange(context.Background(), cfg.Queue.Stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	env, err := queue.UnmarshalEnvelope([]byte(entries[0].Values["envelope"].(string)))
	require.NoError(t, err)
	job, err := env.Job()
	require.NoError(t, err)
	assert.Equal(t, domain.SideEffectReputationUpdate, job.Type)

	n, _, err := c.RateLimiter.Increment(context.Background(), "user:u1", cfg.RateLimit.Window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBuild_InvalidStageConfig(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Stages.Extraction = map[string]any{"model": "nope/model"}

	var err error
	require.NotPanics(t, func() {
		_, err = Build(context.Background(), cfg, BuildOptions{
			Registerer: prometheus.NewRegistry(),
			LookupEnv:  func(string) string { return "" },
			Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extraction stage")
}

func TestBuild_UnreachableRedisReturnsError(t *testing.T) {
	cfg := testConfig(t, map[string]any{
		"queue.backend": "redis",
		"redis.addr":    "127.0.0.1:1",
	})

	var (
		c   *Components
		err error
	)
	require.NotPanics(t, func() {
		c, err = Build(context.Background(), cfg, BuildOptions{
			Registerer: prometheus.NewRegistry(),
			LookupEnv:  func(string) string { return "" },
			Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to redis")
	assert.Nil(t, c)
}

func TestBuild_FailureClosesOpenedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "insights.db")
	cfg := testConfig(t, map[string]any{
		"store.backend":     "sqlite",
		"store.sqlite_path": path,
	})
	cfg.Stages.Scoring = map[string]any{"model": "nope/model"}

	var err error
	require.NotPanics(t, func() {
		_, err = Build(context.Background(), cfg, BuildOptions{
			Registerer: prometheus.NewRegistry(),
			LookupEnv:  func(string) string { return "" },
			Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
	})
	require.Error(t, err)

	reopened, err := store.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	assert.NoError(t, reopened.Close())
}

func TestNewLoggingDispatcher_HandlesEveryJobType(t *testing.T) {
	d := NewLoggingDispatcher(slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, typ := range []domain.SideEffectType{domain.SideEffectReputationUpdate, domain.SideEffectModerationNotice} {
		assert.NoError(t, d.Handle(context.Background(), domain.SideEffectJob{ID: "j", Type: typ}))
	}
}
