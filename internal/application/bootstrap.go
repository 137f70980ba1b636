package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/heyronith/kurral-sub012/infrastructure/evidence"
	"github.com/heyronith/kurral-sub012/infrastructure/llm"
	"github.com/heyronith/kurral-sub012/infrastructure/middleware"
	"github.com/heyronith/kurral-sub012/infrastructure/queue"
	"github.com/heyronith/kurral-sub012/infrastructure/ratelimit"
	"github.com/heyronith/kurral-sub012/infrastructure/stages"
	"github.com/heyronith/kurral-sub012/infrastructure/store"
	"github.com/heyronith/kurral-sub012/internal/domain"
	"github.com/heyronith/kurral-sub012/internal/ports"
)

// TracingServiceName labels LLM spans.
const TracingServiceName = "kurral-pipeline"

// BuildOptions injects process-level collaborators into Build.
type BuildOptions struct {
	// Registerer receives the Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	// LookupEnv resolves provider API keys. Defaults to os.Getenv.
	LookupEnv func(string) string
	// Clients pre-registers LLM clients by "provider/model" spec, replacing
	// what the registry would build.
	Clients map[string]ports.LLMClient
	// Redis replaces the client built from Config.Redis.
	Redis redis.UniversalClient
}

// Components holds the long-lived objects built from a Config. Close
// releases them in reverse order of creation.
type Components struct {
	Config       *Config
	Orchestrator *Orchestrator
	Store        store.Store
	Queue        ports.SideEffectQueue
	Dispatcher   *SideEffectDispatcher
	RateLimiter  ports.RateLimitStore
	Metrics      *middleware.PrometheusMetrics
	Registry     *llm.Registry
	Redis        redis.UniversalClient
	Logger       *slog.Logger

	local   *queue.ChannelQueue
	closers []func() error
}

// Build constructs every component named by cfg. On error, anything
// already opened is closed.
func Build(ctx context.Context, cfg *Config, opts BuildOptions) (*Components, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{Config: cfg, Logger: logger}
	if err := c.build(ctx, opts); err != nil {
		if cerr := c.Close(); cerr != nil {
			logger.Error("closing partially built components", "error", cerr)
		}
		return nil, err
	}
	return c, nil
}

func (c *Components) build(ctx context.Context, opts BuildOptions) (err error) {
	logger := c.Logger

	c.Metrics = middleware.NewPrometheusMetrics(opts.Registerer)

	if c.Redis, err = c.buildRedis(ctx, opts); err != nil {
		return err
	}
	if c.Registry, err = c.buildRegistry(opts); err != nil {
		return err
	}
	if c.Store, err = c.buildStore(ctx); err != nil {
		return err
	}
	c.closers = append(c.closers, c.Store.Close)

	searcher, err := c.buildSearcher()
	if err != nil {
		return err
	}

	c.Queue = c.buildQueue()
	if c.Queue != nil {
		c.Dispatcher = NewSideEffectDispatcher(c.Queue, c.Metrics, logger)
	}
	c.RateLimiter = c.buildRateLimiter()

	deps, err := c.buildStages(searcher)
	if err != nil {
		return err
	}
	deps.Store = c.Store
	deps.SideEffects = c.Dispatcher
	deps.Metrics = c.Metrics
	deps.Logger = logger

	c.Orchestrator, err = NewOrchestrator(deps)
	return err
}

func (c *Components) buildRedis(ctx context.Context, opts BuildOptions) (redis.UniversalClient, error) {
	if opts.Redis != nil {
		return opts.Redis, nil
	}
	cfg := c.Config
	if cfg.Queue.Backend != "redis" && cfg.RateLimit.Backend != "redis" {
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	c.closers = append(c.closers, rdb.Close)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	return rdb, nil
}

func (c *Components) buildRegistry(opts BuildOptions) (*llm.Registry, error) {
	cfg := c.Config.LLM
	registry, err := llm.NewRegistry(llm.RegistryConfig{
		Providers:       c.Config.ProviderConfigs(),
		DefaultProvider: cfg.DefaultProvider,
		DefaultTimeout:  cfg.Timeout,
		LookupEnv:       opts.LookupEnv,
		Middleware: func(provider, model string) []llm.Middleware {
			chain := []llm.Middleware{
				llm.TracingMiddleware(TracingServiceName),
				llm.MetricsMiddleware(c.Metrics, provider),
			}
			if cfg.CircuitBreaker.MaxFailures > 0 {
				chain = append(chain, llm.CircuitBreakerMiddlewareWithMetrics(
					cfg.CircuitBreaker.MaxFailures,
					cfg.CircuitBreaker.Cooldown,
					c.Metrics.CircuitBreaker(provider, model),
				))
			}
			if cfg.RequestsPerSecond > 0 {
				burst := cfg.Burst
				if burst < 1 {
					burst = 1
				}
				chain = append(chain, llm.RateLimitMiddleware(rate.Limit(cfg.RequestsPerSecond), burst))
			}
			if cfg.Timeout > 0 {
				chain = append(chain, llm.TimeoutMiddleware(cfg.Timeout))
			}
			return chain
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building llm registry: %w", err)
	}
	for spec, client := range opts.Clients {
		registry.Register(spec, client)
	}
	return registry, nil
}

func (c *Components) buildStore(ctx context.Context) (store.Store, error) {
	cfg := c.Config.Store
	switch cfg.Backend {
	case "sqlite":
		s, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := store.OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return store.NewMemoryStore(), nil
	}
}

func (c *Components) buildSearcher() (ports.EvidenceSearcher, error) {
	cfg := c.Config.Evidence
	if cfg.Backend != "index" {
		return evidence.NoopSearcher{}, nil
	}

	f, err := os.Open(cfg.CorpusPath)
	if err != nil {
		return nil, fmt.Errorf("opening evidence corpus: %w", err)
	}
	defer f.Close()

	docs, err := evidence.LoadCorpus(f)
	if err != nil {
		return nil, err
	}
	index, err := evidence.NewIndexSearcher()
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, index.Close)
	if err := index.Add(docs...); err != nil {
		return nil, err
	}
	c.Logger.Info("evidence index loaded", "documents", index.Len(), "path", cfg.CorpusPath)

	if cfg.CacheTTL > 0 {
		return evidence.NewCachedSearcher(index, cfg.CacheTTL), nil
	}
	return index, nil
}

func (c *Components) buildQueue() ports.SideEffectQueue {
	cfg := c.Config.Queue
	switch cfg.Backend {
	case "redis":
		var opts []queue.PublisherOption
		if cfg.MaxLen > 0 {
			opts = append(opts, queue.WithMaxLenApprox(cfg.MaxLen))
		}
		return queue.NewStreamPublisher(c.Redis, cfg.Stream, opts...)
	case "channel":
		c.local = queue.NewChannelQueue(cfg.Capacity)
		return c.local
	default:
		return nil
	}
}

func (c *Components) buildRateLimiter() ports.RateLimitStore {
	if c.Config.RateLimit.Backend == "redis" {
		return ratelimit.NewRedisStore(c.Redis, "")
	}
	return ratelimit.NewMemoryStore()
}

// buildStages resolves each stage's generator from its model spec and
// builds the stage from its raw settings.
func (c *Components) buildStages(searcher ports.EvidenceSearcher) (Dependencies, error) {
	raw := c.Config.Stages
	var deps Dependencies

	gen, err := c.generator("precheck", raw.Precheck)
	if err != nil {
		return deps, err
	}
	if deps.Precheck, err = stages.NewPrecheckStageFromConfig(gen, raw.Precheck); err != nil {
		return deps, fmt.Errorf("precheck stage: %w", err)
	}

	if gen, err = c.generator("extraction", raw.Extraction); err != nil {
		return deps, err
	}
	if deps.Extraction, err = stages.NewExtractionStageFromConfig(gen, raw.Extraction); err != nil {
		return deps, fmt.Errorf("extraction stage: %w", err)
	}

	if gen, err = c.generator("verification", raw.Verification); err != nil {
		return deps, err
	}
	if deps.Verification, err = stages.NewVerificationStageFromConfig(gen, searcher, raw.Verification); err != nil {
		return deps, fmt.Errorf("verification stage: %w", err)
	}

	if gen, err = c.generator("scoring", raw.Scoring); err != nil {
		return deps, err
	}
	if deps.Scoring, err = stages.NewScoringStageFromConfig(gen, raw.Scoring); err != nil {
		return deps, fmt.Errorf("scoring stage: %w", err)
	}
	return deps, nil
}

func (c *Components) generator(stage string, raw map[string]any) (*llm.Generator, error) {
	sc, err := stages.DecodeStageConfig(raw, stages.DefaultStageConfig())
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", stage, err)
	}
	gen, err := c.Registry.Generator(sc.Model, llm.GeneratorConfig{
		Temperature: sc.Temperature,
		MaxTokens:   sc.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s stage model %q: %w", stage, sc.Model, err)
	}
	if !gen.Available() {
		c.Logger.Warn("stage model unavailable, fallbacks will apply", "stage", stage, "model", sc.Model)
	}
	return gen, nil
}

// ConsumeLocal drains the in-process queue with logging handlers until ctx
// is done or CloseLocalQueue is called. It returns immediately when the
// queue backend is not "channel".
func (c *Components) ConsumeLocal(ctx context.Context) error {
	if c.local == nil {
		return nil
	}
	handler := queue.NewIdempotentHandler(
		NewLoggingDispatcher(c.Logger),
		queue.NewMemoryIdempotencyStore(time.Hour),
		c.Config.Queue.IdempotencyTTL,
	)
	err := c.local.Consume(ctx, handler)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CloseLocalQueue waits for dispatched jobs and closes the in-process queue
// so that ConsumeLocal returns after draining it.
func (c *Components) CloseLocalQueue() {
	if c.Dispatcher != nil {
		c.Dispatcher.Wait()
	}
	if c.local != nil {
		c.local.Close()
	}
}

// Close releases every resource Build opened.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// NewLoggingDispatcher routes every side-effect type to a logging handler.
// Reputation and moderation systems consume the jobs themselves; the
// pipeline only records them.
func NewLoggingDispatcher(logger *slog.Logger) *queue.Dispatcher {
	d := queue.NewDispatcher()
	h := queue.LoggingHandler(logger)
	d.Register(domain.SideEffectReputationUpdate, h)
	d.Register(domain.SideEffectModerationNotice, h)
	return d
}
