package llm

import (
	"fmt"
	"net/url"
	"sync"
	"time"
)

// Valid ranges for common request parameters, shared by every provider.
const (
	MinTemperature = 0.0
	// MaxTemperature is 2.0 to accommodate OpenAI and Gemini.
	MaxTemperature = 2.0
	MinTopP        = 0.0
	MaxTopP        = 1.0
	MinPenalty     = -2.0
	MaxPenalty     = 2.0

	// DefaultMaxTokens is used when a request does not set max_tokens.
	DefaultMaxTokens = 1024

	MinTimeout = 1 * time.Second
	MaxTimeout = 10 * time.Minute
)

// Option keys understood by every provider.
const (
	OptTemperature = "temperature"
	OptMaxTokens   = "max_tokens"
	OptTopP        = "top_p"
	OptModel       = "model"
	OptSystem      = "system"
	OptImageURL    = "image_url"
	OptJSONMode    = "json_mode"
)

// BaseProvider provides thread-safe model name management for providers.
type BaseProvider struct {
	mu    sync.RWMutex
	model string
}

// GetModel returns the name of the model currently configured for the provider.
func (b *BaseProvider) GetModel() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.model
}

// SetModel updates the model name for the provider.
func (b *BaseProvider) SetModel(model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = model
}

// RequestOptions is the standardized form of the per-request options map.
type RequestOptions struct {
	MaxTokens int
	Model     string
	// Temperature and TopP are nil when the provider default applies.
	Temperature *float64
	TopP        *float64
	System      string
	// ImageURL attaches an image to the user turn when set.
	ImageURL string
	// JSONMode asks the provider to emit a JSON object only, where the
	// provider supports it natively.
	JSONMode bool
	// Extra holds provider-specific options.
	Extra map[string]any
}

// ParseRequestOptions extracts request parameters from opts, falling back to
// defaults for missing or invalid entries. Unrecognized keys land in Extra.
func ParseRequestOptions(opts map[string]any, defaultModel string) RequestOptions {
	options := RequestOptions{
		MaxTokens: ExtractOptionalInt(opts, OptMaxTokens, DefaultMaxTokens, IsPositiveInt),
		Model:     ExtractOptionalString(opts, OptModel, defaultModel, IsNonEmptyString),
		System:    ExtractOptionalString(opts, OptSystem, "", nil),
		ImageURL:  ExtractOptionalString(opts, OptImageURL, "", nil),
		Extra:     make(map[string]any),
	}

	if jm, ok := opts[OptJSONMode].(bool); ok {
		options.JSONMode = jm
	}

	if temp := ExtractOptionalFloat64(opts, OptTemperature, -1, IsValidTemperature); temp != -1 {
		options.Temperature = &temp
	}

	if topP := ExtractOptionalFloat64(opts, OptTopP, -1, IsValidTopP); topP != -1 {
		options.TopP = &topP
	}

	for k, v := range opts {
		switch k {
		case OptMaxTokens, OptModel, OptSystem, OptTemperature, OptTopP, OptImageURL, OptJSONMode:
		default:
			options.Extra[k] = v
		}
	}

	return options
}

// TokenCounter estimates token counts when a provider does not report them.
type TokenCounter struct {
	CharactersPerToken float64
}

// NewTokenCounter creates a TokenCounter tuned for English text.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{CharactersPerToken: 4.0}
}

// EstimateTokens calculates an estimated token count for text.
func (tc *TokenCounter) EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return int(float64(len(text)) / tc.CharactersPerToken)
}

// GetTokenCount prefers a positive reported count and estimates otherwise.
func (tc *TokenCounter) GetTokenCount(actualCount int, text string) int {
	if actualCount > 0 {
		return actualCount
	}
	return tc.EstimateTokens(text)
}

// ExtractOptionalInt extracts an integer value from opts. It returns
// defaultVal if the key is missing, the value is not numeric, or validator
// rejects it.
func ExtractOptionalInt(opts map[string]any, key string, defaultVal int, validator func(int) bool) int {
	val, ok := opts[key]
	if !ok {
		return defaultVal
	}

	intVal, ok := SafeInt(val)
	if !ok {
		return defaultVal
	}

	if validator != nil && !validator(intVal) {
		return defaultVal
	}

	return intVal
}

// ExtractOptionalString extracts a string value from opts with validation.
func ExtractOptionalString(opts map[string]any, key string, defaultVal string, validator func(string) bool) string {
	strVal, ok := opts[key].(string)
	if !ok {
		return defaultVal
	}

	if validator != nil && !validator(strVal) {
		return defaultVal
	}

	return strVal
}

// ExtractOptionalFloat64 extracts a float64 value from opts with validation.
func ExtractOptionalFloat64(opts map[string]any, key string, defaultVal float64, validator func(float64) bool) float64 {
	floatVal, ok := opts[key].(float64)
	if !ok {
		return defaultVal
	}

	if validator != nil && !validator(floatVal) {
		return defaultVal
	}

	return floatVal
}

// IsPositiveInt reports whether val is greater than 0.
func IsPositiveInt(val int) bool { return val > 0 }

// IsNonEmptyString reports whether val is not empty.
func IsNonEmptyString(val string) bool { return val != "" }

// IsValidTemperature checks val against [MinTemperature, MaxTemperature].
func IsValidTemperature(val float64) bool {
	return val >= MinTemperature && val <= MaxTemperature
}

// IsValidTopP checks val against [MinTopP, MaxTopP].
func IsValidTopP(val float64) bool {
	return val >= MinTopP && val <= MaxTopP
}

// ValidateBaseURL validates and normalizes a base URL. An empty string is
// valid and selects the provider default.
func ValidateBaseURL(baseURL string) (string, error) {
	if baseURL == "" {
		return "", nil
	}

	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", fmt.Errorf("URL scheme must be http or https, but got: %q", parsedURL.Scheme)
	}

	if parsedURL.Host == "" {
		return "", fmt.Errorf("URL must include a host")
	}

	return parsedURL.String(), nil
}

// ValidateTimeout clamps timeout to [MinTimeout, MaxTimeout]. Zero or
// negative values return zero, meaning the default applies.
func ValidateTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return 0
	}
	if timeout < MinTimeout {
		return MinTimeout
	}
	if timeout > MaxTimeout {
		return MaxTimeout
	}
	return timeout
}

// SafeFloat32 converts a numeric value to float32, reporting failure for
// out-of-range or unsupported values.
func SafeFloat32(value any) (float32, bool) {
	switch v := value.(type) {
	case float32:
		return v, true
	case float64:
		if v > 3.4e38 || v < -3.4e38 {
			return 0, false
		}
		return float32(v), true
	case int:
		return float32(v), true
	default:
		return 0, false
	}
}

// SafeInt converts a numeric value to int. Config decoders hand back
// float64 for numbers, so whole floats are accepted.
func SafeInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		if int64(int(v)) != v {
			return 0, false
		}
		return int(v), true
	case float64:
		if v != v || v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	default:
		return 0, false
	}
}

// ClampFloat64 clamps val to [lo, hi].
func ClampFloat64(val, lo, hi float64) float64 {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}

// ClampInt clamps val to [lo, hi].
func ClampInt(val, lo, hi int) int {
	if val < lo {
		return lo
	}
	if val > hi {
		return hi
	}
	return val
}
