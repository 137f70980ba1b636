// Package llm puts the OpenAI, Anthropic and Google chat APIs behind one
// client and layers rate limiting, timeouts, circuit breaking, metrics and
// tracing on top through middleware.
//
// Pipeline stages do not use the client directly. They go through a
// Generator, which adds system instructions, JSON mode, vision input and
// balanced-brace JSON extraction, and which maps provider failures onto the
// ports error taxonomy.
//
// Basic usage:
//
//	client, err := llm.NewClient("openai", llm.ClientConfig{
//	    APIKey: os.Getenv("OPENAI_API_KEY"),
//	    Model:  "gpt-4o-mini",
//	    Middleware: []llm.Middleware{
//	        llm.TimeoutMiddleware(30 * time.Second),
//	        llm.CircuitBreakerMiddleware(5, 30*time.Second),
//	    },
//	})
//	gen := llm.NewGenerator(client, llm.GeneratorConfig{Temperature: 0.2})
//	err = gen.GenerateJSON(ctx, prompt, system, nil, &out)
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// CoreLLM defines the minimal interface that LLM providers must implement.
// The middleware chain wraps any conforming implementation.
type CoreLLM interface {
	// DoRequest sends a prompt to the LLM provider and returns the response
	// text, input token count, output token count, and any error.
	// Recognized opts are listed on ports.LLMClient.Complete.
	DoRequest(
		ctx context.Context,
		prompt string,
		opts map[string]any,
	) (
		response string,
		tokensIn, tokensOut int,
		err error,
	)

	// GetModel returns the currently configured model name.
	GetModel() string

	// SetModel updates the model to use for subsequent requests.
	SetModel(model string)
}

// ClientConfig holds all configuration options for creating an LLM client.
type ClientConfig struct {
	// APIKey authenticates requests to the LLM provider.
	APIKey string

	// Model specifies which LLM model to use for requests.
	Model string

	// BaseURL overrides the default API endpoint for the provider.
	// Leave empty to use the provider's default endpoint.
	BaseURL string

	// Timeout sets the HTTP client timeout for the provider SDK.
	// Zero value means the SDK default.
	Timeout time.Duration

	// Middleware is applied in the order specified, first outermost.
	Middleware []Middleware
}

// Middleware wraps a CoreLLM implementation to add cross-cutting functionality.
type Middleware func(CoreLLM) CoreLLM

// Client implements ports.LLMClient over a middleware-wrapped CoreLLM.
type Client struct {
	core CoreLLM
}

var _ ports.LLMClient = (*Client)(nil)

// NewClient creates a new LLM client with the specified provider and
// configuration, assembling the middleware chain around the provider.
func NewClient(providerType string, config ClientConfig) (*Client, error) {
	if config.APIKey == "" {
		return nil, ErrEmptyAPIKey
	}

	if config.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	factory, ok := providerFactories[providerType]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", providerType)
	}

	core, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}

	return NewClientFromCore(core, config), nil
}

// NewClientFromCore wraps an existing CoreLLM with the configured middleware.
// Tests use it to put a MockCoreLLM behind the same chain as a real provider.
func NewClientFromCore(core CoreLLM, config ClientConfig) *Client {
	// Apply middleware in reverse order so the first middleware is the outermost.
	for i := len(config.Middleware) - 1; i >= 0; i-- {
		core = config.Middleware[i](core)
	}

	return &Client{core: core}
}

// Complete sends a prompt to the LLM and returns the response text.
func (c *Client) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	response, _, _, err := c.CompleteWithUsage(ctx, prompt, options)
	return response, err
}

// CompleteWithUsage sends a prompt to the LLM and also returns input and
// output token counts.
func (c *Client) CompleteWithUsage(
	ctx context.Context,
	prompt string,
	options map[string]any,
) (string, int, int, error) {
	return c.core.DoRequest(ctx, prompt, options)
}

// GetModel returns the currently configured model name from the underlying provider.
func (c *Client) GetModel() string { return c.core.GetModel() }

// ProviderFactory creates a CoreLLM implementation from configuration.
type ProviderFactory func(ClientConfig) (CoreLLM, error)

var providerFactories = map[string]ProviderFactory{}

// RegisterProviderFactory registers a provider under providerType.
func RegisterProviderFactory(providerType string, factory ProviderFactory) {
	providerFactories[providerType] = factory
}
