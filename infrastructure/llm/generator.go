package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// GeneratorConfig holds the per-stage sampling settings a Generator sends
// with every call.
type GeneratorConfig struct {
	Temperature float64 `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
}

// Generator implements ports.Generator on top of an LLMClient.
// A Generator with a nil client is unavailable; its methods return
// ErrGeneratorUnavailable.
type Generator struct {
	client   ports.LLMClient
	provider string
	config   GeneratorConfig
	// vision is false for providers without image input; the image URL is
	// then passed in the prompt text instead.
	vision bool
}

var _ ports.Generator = (*Generator)(nil)

// ErrGeneratorUnavailable is returned by calls on an unavailable Generator.
var ErrGeneratorUnavailable = fmt.Errorf("generator unavailable: %w", ports.ErrServiceUnavailable)

// NewGenerator wraps client. A nil client yields an unavailable Generator.
func NewGenerator(client ports.LLMClient, config GeneratorConfig) *Generator {
	return &Generator{client: client, config: config, vision: true}
}

// UnavailableGenerator returns a Generator whose Available reports false.
func UnavailableGenerator() *Generator { return &Generator{} }

// WithProvider names the provider in errors raised by this Generator.
func (g *Generator) WithProvider(provider string) *Generator {
	g.provider = provider
	return g
}

// WithVision sets whether the backing provider accepts image input.
func (g *Generator) WithVision(enabled bool) *Generator {
	g.vision = enabled
	return g
}

// Available reports whether a client is configured.
func (g *Generator) Available() bool { return g != nil && g.client != nil }

// Generate returns the raw completion text for prompt.
func (g *Generator) Generate(ctx context.Context, prompt, system string) (string, error) {
	return g.complete(ctx, prompt, g.options(system, false, ""))
}

// GenerateJSON asks for a JSON response and decodes it into out. When
// schema is non-nil it is included in the prompt as the expected shape.
func (g *Generator) GenerateJSON(ctx context.Context, prompt, system string, schema map[string]any, out any) error {
	return g.generateJSON(ctx, withJSONInstruction(prompt, schema), g.options(system, true, ""), out)
}

// GenerateJSONWithVision is GenerateJSON with an optional image attached.
// An empty imageURL behaves exactly like GenerateJSON.
func (g *Generator) GenerateJSONWithVision(
	ctx context.Context,
	prompt, imageURL, system string,
	schema map[string]any,
	out any,
) error {
	if imageURL != "" && !g.vision {
		prompt = prompt + "\n\nImage URL: " + imageURL
		imageURL = ""
	}
	return g.generateJSON(ctx, withJSONInstruction(prompt, schema), g.options(system, true, imageURL), out)
}

func (g *Generator) generateJSON(ctx context.Context, prompt string, opts map[string]any, out any) error {
	raw, err := g.complete(ctx, prompt, opts)
	if err != nil {
		return err
	}

	if err := DecodeJSON(raw, out); err != nil {
		if errors.Is(err, errNoJSON) {
			return &ports.JSONParseError{Raw: raw}
		}
		return &ports.JSONParseError{Raw: raw, Err: err}
	}

	return nil
}

func (g *Generator) complete(ctx context.Context, prompt string, opts map[string]any) (string, error) {
	if !g.Available() {
		return "", ErrGeneratorUnavailable
	}

	resp, err := g.client.Complete(ctx, prompt, opts)
	if err != nil {
		return "", ToPortError(g.providerName(), err)
	}

	if strings.TrimSpace(resp) == "" {
		return "", &ports.EmptyResponseError{Provider: g.providerName()}
	}

	return resp, nil
}

func (g *Generator) options(system string, jsonMode bool, imageURL string) map[string]any {
	opts := map[string]any{
		OptTemperature: g.config.Temperature,
	}
	if g.config.MaxTokens > 0 {
		opts[OptMaxTokens] = g.config.MaxTokens
	}
	if system != "" {
		opts[OptSystem] = system
	}
	if jsonMode {
		opts[OptJSONMode] = true
	}
	if imageURL != "" {
		opts[OptImageURL] = imageURL
	}
	return opts
}

func (g *Generator) providerName() string {
	if g.provider != "" {
		return g.provider
	}
	if g.client != nil {
		return g.client.GetModel()
	}
	return "llm"
}

func withJSONInstruction(prompt string, schema map[string]any) string {
	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nRespond with a single valid JSON value and nothing else.")
	if schema != nil {
		if encoded, err := json.MarshalIndent(schema, "", "  "); err == nil {
			b.WriteString(" It must match this JSON schema:\n")
			b.Write(encoded)
		}
	}
	return b.String()
}
