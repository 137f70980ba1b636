// Package stages implements the four pipeline stages: precheck, claim
// extraction, claim verification and value scoring. Each stage talks to a
// model through ports.Generator and degrades to a documented fallback when
// the model is unavailable or returns unusable output.
package stages

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// validate checks model responses against their struct tags.
var validate = validator.New()

var tracer trace.Tracer = otel.Tracer("github.com/heyronith/kurral-sub012/infrastructure/stages")

// StageConfig holds the settings shared by every model-backed stage.
type StageConfig struct {
	// Model is a "provider/model" spec resolved by the llm registry. Empty
	// selects the default provider.
	Model       string  `mapstructure:"model" yaml:"model"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens" validate:"gte=0,lte=16384"`
	// PromptTemplate overrides the built-in prompt. It is a text/template
	// executed with the stage's prompt data.
	PromptTemplate string `mapstructure:"prompt_template" yaml:"prompt_template"`
}

// VerificationConfig extends StageConfig with fan-out settings.
type VerificationConfig struct {
	StageConfig `mapstructure:",squash" yaml:",inline"`
	// Concurrency bounds how many claims are verified at once.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency" validate:"gte=1,lte=32"`
	// EvidenceLimit caps the evidence retrieved per claim.
	EvidenceLimit int `mapstructure:"evidence_limit" yaml:"evidence_limit" validate:"gte=0,lte=20"`
}

// Defaults used when a stage is built without explicit configuration.
const (
	DefaultVerificationConcurrency = 3
	DefaultEvidenceLimit           = 5
)

// sanitizeUserContent fences user-provided text so it cannot close the
// surrounding prompt block and inject instructions.
func sanitizeUserContent(content string) string {
	content = strings.ReplaceAll(content, "```", "'''")
	return "```\n" + content + "\n```"
}

// compileTemplate parses override when non-empty and fallback otherwise.
func compileTemplate(name, override, fallback string) (*template.Template, error) {
	src := fallback
	if strings.TrimSpace(override) != "" {
		src = override
	}
	tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parsing %s prompt template: %w", name, err)
	}
	return tmpl, nil
}

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing %s prompt template: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// templateFuncs returns the helpers available to prompt templates.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		// add converts 0-based indexes for display: {{add $i 1}}
		"add": func(a, b int) int { return a + b },
		// truncate limits s to n runes, appending "..." when cut.
		"truncate": func(s string, n int) string {
			if n <= 0 {
				return ""
			}
			r := []rune(s)
			if len(r) <= n {
				return s
			}
			if n > 3 {
				return string(r[:n-3]) + "..."
			}
			return string(r[:n])
		},
		"fence": sanitizeUserContent,
		"join":  strings.Join,
		"pct":   func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
	}
}
