package application

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/heyronith/kurral-sub012/infrastructure/llm"
	"github.com/heyronith/kurral-sub012/infrastructure/store"
	"github.com/heyronith/kurral-sub012/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. PIPELINE_LOG_LEVEL.
const EnvPrefix = "PIPELINE"

// Config is the complete configuration of the pipeline service. It is
// loaded by LoadConfig from defaults, an optional YAML file and PIPELINE_*
// environment variables, in increasing order of precedence.
type Config struct {
	// Log selects the slog handler built by the CLI.
	Log LogConfig `mapstructure:"log" yaml:"log"`
	// Server configures the HTTP entry point.
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	// LLM configures providers and the per-client middleware chain.
	LLM LLMConfig `mapstructure:"llm" yaml:"llm"`
	// Stages holds raw per-stage settings that the stages package overlays
	// onto its defaults.
	Stages StagesConfig `mapstructure:"stages" yaml:"stages"`
	// Pipeline holds the default run options applied when a request
	// carries none.
	Pipeline domain.PipelineOptions `mapstructure:"pipeline" yaml:"pipeline"`
	// Evidence selects the evidence searcher used by verification.
	Evidence EvidenceConfig `mapstructure:"evidence" yaml:"evidence"`
	// Store selects where insights are persisted.
	Store StoreConfig `mapstructure:"store" yaml:"store"`
	// Queue selects how side-effect jobs leave the process.
	Queue QueueConfig `mapstructure:"queue" yaml:"queue"`
	// Redis is shared by the redis queue and the redis rate limiter.
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
	// RateLimit guards the HTTP entry point.
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=json text"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address" validate:"required"`
	// JWTSecret signs identity tokens. It is required by serve only.
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer       string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
}

// LLMConfig configures the provider registry and client middleware.
type LLMConfig struct {
	// DefaultProvider is used by stages whose model spec is empty.
	DefaultProvider string `mapstructure:"default_provider" yaml:"default_provider" validate:"required"`
	// Providers overrides or extends llm.DefaultProviders.
	Providers map[string]llm.ProviderConfig `mapstructure:"providers" yaml:"providers"`
	// Timeout bounds a single model request.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	// RequestsPerSecond throttles each client; zero disables throttling.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
	// CircuitBreaker guards each provider/model pair.
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
}

// CircuitBreakerConfig configures llm.CircuitBreakerMiddleware. Zero
// MaxFailures disables the breaker.
type CircuitBreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures" validate:"gte=0"`
	Cooldown    time.Duration `mapstructure:"cooldown" yaml:"cooldown" validate:"gte=0"`
}

// StagesConfig carries raw stage settings.
type StagesConfig struct {
	Precheck     map[string]any `mapstructure:"precheck" yaml:"precheck"`
	Extraction   map[string]any `mapstructure:"extraction" yaml:"extraction"`
	Verification map[string]any `mapstructure:"verification" yaml:"verification"`
	Scoring      map[string]any `mapstructure:"scoring" yaml:"scoring"`
}

// EvidenceConfig selects the evidence searcher.
type EvidenceConfig struct {
	// Backend is "none" for no evidence or "index" for a local full-text
	// index built from CorpusPath.
	Backend    string `mapstructure:"backend" yaml:"backend" validate:"oneof=none index"`
	CorpusPath string `mapstructure:"corpus_path" yaml:"corpus_path" validate:"required_if=Backend index"`
	// CacheTTL caches search results when positive.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`
}

// StoreConfig selects the insights store.
type StoreConfig struct {
	Backend    string               `mapstructure:"backend" yaml:"backend" validate:"oneof=memory sqlite postgres"`
	SQLitePath string               `mapstructure:"sqlite_path" yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
	Postgres   store.PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// QueueConfig selects the side-effect transport.
type QueueConfig struct {
	// Backend is "channel" for an in-process queue drained by logging
	// handlers, "redis" for Redis Streams, or "none" to drop side effects.
	Backend  string `mapstructure:"backend" yaml:"backend" validate:"oneof=none channel redis"`
	Capacity int    `mapstructure:"capacity" yaml:"capacity" validate:"gte=0"`
	Stream   string `mapstructure:"stream" yaml:"stream"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
	// MaxLen trims the stream approximately; zero leaves it unbounded.
	MaxLen         int64         `mapstructure:"max_len" yaml:"max_len" validate:"gte=0"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl" yaml:"idempotency_ttl" validate:"gte=0"`
}

// RedisConfig holds the connection settings shared by redis backends.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
}

// RateLimitConfig guards the HTTP entry point with a fixed window per
// caller. Zero MaxRequests disables limiting.
type RateLimitConfig struct {
	Backend     string        `mapstructure:"backend" yaml:"backend" validate:"oneof=memory redis"`
	MaxRequests int64         `mapstructure:"max_requests" yaml:"max_requests" validate:"gte=0"`
	Window      time.Duration `mapstructure:"window" yaml:"window" validate:"gte=0"`
}

// SetDefaults registers every default on v. Keys without a default are not
// picked up from the environment by viper, so every scalar is listed.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.jwt_issuer", "")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("llm.default_provider", "openai")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.requests_per_second", 5.0)
	v.SetDefault("llm.burst", 10)
	v.SetDefault("llm.circuit_breaker.max_failures", 5)
	v.SetDefault("llm.circuit_breaker.cooldown", 30*time.Second)

	v.SetDefault("pipeline.max_retries", 0)
	v.SetDefault("pipeline.timeout_ms", domain.DefaultTimeoutMs)
	v.SetDefault("pipeline.skip_precheck", false)
	v.SetDefault("pipeline.skip_value_scoring", false)

	v.SetDefault("evidence.backend", "none")
	v.SetDefault("evidence.corpus_path", "")
	v.SetDefault("evidence.cache_ttl", 10*time.Minute)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_open_conns", 10)
	v.SetDefault("store.postgres.max_idle_conns", 5)
	v.SetDefault("store.postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("queue.backend", "channel")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.stream", "pipeline:side-effects")
	v.SetDefault("queue.group", "side-effects")
	v.SetDefault("queue.consumer", "worker-1")
	v.SetDefault("queue.max_len", 100000)
	v.SetDefault("queue.idempotency_ttl", 24*time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.max_requests", 60)
	v.SetDefault("rate_limit.window", time.Minute)
}

// LoadConfig reads configuration into a new Config. path may be empty, in
// which case only defaults and the environment apply.
func LoadConfig(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	if _, ok := c.ProviderConfigs()[c.LLM.DefaultProvider]; !ok {
		errs = append(errs, fmt.Errorf("llm.default_provider %q is not a configured provider", c.LLM.DefaultProvider))
	}
	if c.Store.Backend == "postgres" && c.Store.Postgres.DSN == "" {
		errs = append(errs, errors.New("store.postgres.dsn is required for the postgres backend"))
	}
	if (c.Queue.Backend == "redis" || c.RateLimit.Backend == "redis") && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required by the redis backends"))
	}
	if c.Queue.Backend == "redis" && c.Queue.Group == "" {
		errs = append(errs, errors.New("queue.group is required for the redis queue"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ProviderConfigs merges configured providers over llm.DefaultProviders.
// Fields left empty in the configuration keep their default.
func (c *Config) ProviderConfigs() map[string]llm.ProviderConfig {
	out := make(map[string]llm.ProviderConfig, len(llm.DefaultProviders)+len(c.LLM.Providers))
	for name, p := range llm.DefaultProviders {
		out[name] = p
	}
	for name, p := range c.LLM.Providers {
		base, ok := out[name]
		if !ok {
			out[name] = p
			continue
		}
		if p.Type != "" {
			base.Type = p.Type
		}
		if p.APIKey != "" {
			base.APIKey = p.APIKey
		}
		if p.EnvVar != "" {
			base.EnvVar = p.EnvVar
		}
		if p.DefaultModel != "" {
			base.DefaultModel = p.DefaultModel
		}
		if p.BaseURL != "" {
			base.BaseURL = p.BaseURL
		}
		base.Vision = base.Vision || p.Vision
		out[name] = base
	}
	return out
}

const redacted = "********"

// Redacted returns a copy safe to print: secrets are masked.
func (c *Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}

	out := *c
	out.Server.JWTSecret = mask(c.Server.JWTSecret)
	out.Redis.Password = mask(c.Redis.Password)
	out.Store.Postgres.DSN = mask(c.Store.Postgres.DSN)
	if c.LLM.Providers != nil {
		out.LLM.Providers = make(map[string]llm.ProviderConfig, len(c.LLM.Providers))
		for name, p := range c.LLM.Providers {
			p.APIKey = mask(p.APIKey)
			out.LLM.Providers[name] = p
		}
	}
	return out
}

var configValidator = validator.New()
