package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// Prompt fragments that identify which pipeline stage is calling. They match
// the built-in stage prompts.
const (
	PatternPrecheck     = "triage social posts"
	PatternExtraction   = "extract the atomic"
	PatternVerification = "careful fact-checker"
	PatternScoring      = "rate the value"
)

// Canned responses returned for each stage by default.
const (
	DefaultPrecheckResponse = `{"needsFactCheck": true, "confidence": 0.9, ` +
		`"reasoning": "The post states measurable facts.", "contentType": "news"}`
	DefaultExtractionResponse = `{"claims": [` +
		`{"id": "c1", "text": "The city opened three new libraries in 2023.", "type": "fact", ` +
		`"domain": "politics", "riskLevel": "low", "confidence": 0.9},` +
		`{"id": "c2", "text": "Library visits doubled after the openings.", "type": "fact", ` +
		`"domain": "politics", "riskLevel": "medium", "confidence": 0.8}]}`
	DefaultVerificationResponse = `{"verdict": "true", "confidence": 0.8, ` +
		`"evidence": [{"source": "city records", "url": "https://example.org/records", ` +
		`"snippet": "Three branches opened in 2023.", "quality": 0.9}], "caveats": []}`
	DefaultScoringResponse = `{"scores": {"epistemic": 0.8, "insight": 0.6, "practical": 0.5, ` +
		`"relational": 0.7, "effort": 0.6}, "confidence": 0.75, ` +
		`"drivers": ["cites concrete figures", "civil tone"]}`
)

// MockLLMClient implements ports.LLMClient with responses chosen by prompt
// substring. Rules added later take priority over earlier ones, so tests can
// override a single stage and keep the defaults for the rest. It is safe for
// concurrent use.
type MockLLMClient struct {
	mu       sync.Mutex
	model    string
	rules    []MockResponse
	fallback string
	calls    []MockCall
}

// MockResponse defines how the mock answers prompts containing Pattern.
type MockResponse struct {
	// Pattern is matched case-insensitively against the prompt.
	Pattern string
	// Response is the text returned for matching prompts.
	Response string
	// Err, when set, is returned instead of Response.
	Err error
	// TokensUsed is reported as output tokens by CompleteWithUsage.
	TokensUsed int
}

// MockCall records a single Complete invocation.
type MockCall struct {
	Prompt  string
	Options map[string]any
}

// NewMockLLMClient creates a mock that answers every pipeline stage with a
// well-formed response.
func NewMockLLMClient(model string) *MockLLMClient {
	m := &MockLLMClient{model: model}
	m.setupDefaultResponses()
	return m
}

func (m *MockLLMClient) setupDefaultResponses() {
	m.fallback = "This is a standard response for testing purposes."
	m.rules = []MockResponse{
		{Pattern: PatternPrecheck, Response: DefaultPrecheckResponse, TokensUsed: 30},
		{Pattern: PatternExtraction, Response: DefaultExtractionResponse, TokensUsed: 90},
		{Pattern: PatternVerification, Response: DefaultVerificationResponse, TokensUsed: 60},
		{Pattern: PatternScoring, Response: DefaultScoringResponse, TokensUsed: 50},
	}
}

// AddResponse installs a rule that takes priority over existing ones.
func (m *MockLLMClient) AddResponse(response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append([]MockResponse{response}, m.rules...)
}

// SetFallback sets the response for prompts that match no rule.
func (m *MockLLMClient) SetFallback(response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = response
}

// Complete returns the response of the first matching rule.
func (m *MockLLMClient) Complete(ctx context.Context, prompt string, options map[string]any) (string, error) {
	response, _, _, err := m.CompleteWithUsage(ctx, prompt, options)
	return response, err
}

// CompleteWithUsage is Complete with estimated token counts.
func (m *MockLLMClient) CompleteWithUsage(
	ctx context.Context,
	prompt string,
	options map[string]any,
) (string, int, int, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, 0, err
	}
	if prompt == "" {
		return "", 0, 0, fmt.Errorf("prompt cannot be empty")
	}

	m.mu.Lock()
	m.calls = append(m.calls, MockCall{Prompt: prompt, Options: copyOptions(options)})
	rule, ok := m.match(prompt)
	fallback := m.fallback
	m.mu.Unlock()

	tokensIn, _ := estimateTokens(prompt)
	if !ok {
		tokensOut, _ := estimateTokens(fallback)
		return fallback, tokensIn, tokensOut, nil
	}
	if rule.Err != nil {
		return "", tokensIn, 0, rule.Err
	}

	tokensOut := rule.TokensUsed
	if tokensOut == 0 {
		tokensOut, _ = estimateTokens(rule.Response)
	}
	return rule.Response, tokensIn, tokensOut, nil
}

func (m *MockLLMClient) match(prompt string) (MockResponse, bool) {
	lower := strings.ToLower(prompt)
	for _, r := range m.rules {
		if strings.Contains(lower, strings.ToLower(r.Pattern)) {
			return r, true
		}
	}
	return MockResponse{}, false
}

// estimateTokens approximates four characters per token.
func estimateTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	tokens := len(text) / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens, nil
}

// GetModel returns the mock model identifier.
func (m *MockLLMClient) GetModel() string { return m.model }

// Calls returns a copy of the recorded invocations.
func (m *MockLLMClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallsMatching counts recorded prompts containing pattern.
func (m *MockLLMClient) CallsMatching(pattern string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.Contains(strings.ToLower(c.Prompt), strings.ToLower(pattern)) {
			n++
		}
	}
	return n
}

// Reset restores the default rules and clears recorded calls.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.setupDefaultResponses()
}

func copyOptions(options map[string]any) map[string]any {
	if options == nil {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}

var _ ports.LLMClient = (*MockLLMClient)(nil)
