package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// ErrProviderUnavailable is returned when a provider has no credential.
var ErrProviderUnavailable = errors.New("provider has no API key configured")

// Registry creates and caches one client per "provider/model" spec so
// pipeline stages can each use their own model while sharing connections.
type Registry struct {
	providers       map[string]ProviderConfig
	clients         map[string]ports.LLMClient
	defaultProvider string
	defaultTimeout  time.Duration
	middleware      func(provider, model string) []Middleware
	lookupEnv       func(string) string
	mu              sync.RWMutex
}

// ProviderConfig holds provider-specific configuration.
type ProviderConfig struct {
	// Type selects the registered provider factory (openai, anthropic, google).
	Type string `mapstructure:"type" yaml:"type"`
	// APIKey takes precedence over EnvVar when set.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	// EnvVar names the environment variable holding the API key.
	EnvVar       string `mapstructure:"env_var" yaml:"env_var"`
	DefaultModel string `mapstructure:"default_model" yaml:"default_model"`
	BaseURL      string `mapstructure:"base_url" yaml:"base_url"`
	// Vision reports whether the provider accepts image input.
	Vision bool `mapstructure:"vision" yaml:"vision"`
}

// RegistryConfig holds configuration for the provider registry.
type RegistryConfig struct {
	Providers       map[string]ProviderConfig
	DefaultProvider string
	DefaultTimeout  time.Duration
	// Middleware builds the chain for each new client. It is called once per
	// provider/model pair, so stateful middleware like circuit breakers are
	// scoped to a single model.
	Middleware func(provider, model string) []Middleware
	// LookupEnv resolves EnvVar; os.Getenv when nil.
	LookupEnv func(string) string
}

// DefaultProviders lists the providers the pipeline knows how to reach.
var DefaultProviders = map[string]ProviderConfig{
	"openai": {
		Type:         "openai",
		EnvVar:       "OPENAI_API_KEY",
		DefaultModel: OpenAIDefaultModel,
		Vision:       true,
	},
	"anthropic": {
		Type:         "anthropic",
		EnvVar:       "ANTHROPIC_API_KEY",
		DefaultModel: AnthropicDefaultModel,
		Vision:       true,
	},
	"google": {
		Type:         "google",
		EnvVar:       "GOOGLE_API_KEY",
		DefaultModel: GoogleDefaultModel,
		Vision:       true,
	},
}

// NewRegistry creates a provider registry. Clients are created lazily.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.DefaultProvider == "" {
		return nil, fmt.Errorf("default provider cannot be empty")
	}

	if _, exists := config.Providers[config.DefaultProvider]; !exists {
		return nil, fmt.Errorf("default provider %q not found in providers configuration", config.DefaultProvider)
	}

	lookup := config.LookupEnv
	if lookup == nil {
		lookup = os.Getenv
	}

	return &Registry{
		providers:       config.Providers,
		clients:         make(map[string]ports.LLMClient),
		defaultProvider: config.DefaultProvider,
		defaultTimeout:  config.DefaultTimeout,
		middleware:      config.Middleware,
		lookupEnv:       lookup,
	}, nil
}

// GetClient returns the client for spec, creating it on first use.
// Accepted forms are "provider", "provider/model", and "" for the default
// provider and its default model.
func (r *Registry) GetClient(spec string) (ports.LLMClient, error) {
	provider, model := r.parseSpec(spec)
	key := provider + "/" + model

	r.mu.RLock()
	if client, exists := r.clients[key]; exists {
		r.mu.RUnlock()
		return client, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, exists := r.clients[key]; exists {
		return client, nil
	}

	client, err := r.createClient(provider, model)
	if err != nil {
		return nil, err
	}

	r.clients[key] = client
	return client, nil
}

// Generator returns a Generator for spec. A provider without an API key
// yields an unavailable Generator rather than an error; an unknown
// provider is a configuration error.
func (r *Registry) Generator(spec string, config GeneratorConfig) (*Generator, error) {
	provider, _ := r.parseSpec(spec)

	client, err := r.GetClient(spec)
	if errors.Is(err, ErrProviderUnavailable) {
		return UnavailableGenerator().WithProvider(provider), nil
	}
	if err != nil {
		return nil, err
	}

	return NewGenerator(client, config).
		WithProvider(provider).
		WithVision(r.providers[provider].Vision), nil
}

// Register installs a prebuilt client under spec, replacing any cached one.
func (r *Registry) Register(spec string, client ports.LLMClient) {
	provider, model := r.parseSpec(spec)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[provider+"/"+model] = client
}

// AvailableProviders returns the configured providers that have a
// credential, in no particular order.
func (r *Registry) AvailableProviders() []string {
	out := make([]string, 0, len(r.providers))
	for name, cfg := range r.providers {
		if r.apiKey(cfg) != "" {
			out = append(out, name)
		}
	}
	return out
}

func (r *Registry) parseSpec(spec string) (provider, model string) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = r.defaultProvider
	}

	parts := strings.SplitN(spec, "/", 2)
	provider = parts[0]

	if len(parts) > 1 && parts[1] != "" {
		model = parts[1]
	} else if providerConfig, ok := r.providers[provider]; ok {
		model = providerConfig.DefaultModel
	}

	return provider, model
}

func (r *Registry) apiKey(cfg ProviderConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	if cfg.EnvVar == "" {
		return ""
	}
	return r.lookupEnv(cfg.EnvVar)
}

func (r *Registry) createClient(provider, model string) (ports.LLMClient, error) {
	providerConfig, exists := r.providers[provider]
	if !exists {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidModel, provider)
	}

	apiKey := r.apiKey(providerConfig)
	if apiKey == "" {
		return nil, fmt.Errorf("%s: %w", provider, ErrProviderUnavailable)
	}

	config := ClientConfig{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: providerConfig.BaseURL,
		Timeout: r.defaultTimeout,
	}

	if r.middleware != nil {
		config.Middleware = r.middleware(provider, model)
	}

	providerType := providerConfig.Type
	if providerType == "" {
		providerType = provider
	}

	client, err := NewClient(providerType, config)
	if err != nil {
		return nil, fmt.Errorf("creating %s client: %w", provider, err)
	}
	return client, nil
}
