package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMockFailure is the default error MockCoreLLM returns when told to fail.
var ErrMockFailure = errors.New("simulated failure")

// MockCoreLLM is a scriptable CoreLLM for tests. Respond, when set, decides
// each reply; otherwise the static Response or Error fields are used.
type MockCoreLLM struct {
	mu sync.Mutex

	Response      string
	TokensIn      int
	TokensOut     int
	Error         error
	Model         string
	ResponseDelay time.Duration

	// FailUntilAttempt fails the first N calls with Error (or ErrMockFailure).
	FailUntilAttempt int

	// Respond overrides the static reply. It receives the 1-based call number.
	Respond func(call int, prompt string, opts map[string]any) (string, error)

	CallCount  int
	LastPrompt string
	LastOpts   map[string]any
	Prompts    []string
}

// NewMockCoreLLM creates a mock that always succeeds.
func NewMockCoreLLM() *MockCoreLLM {
	return &MockCoreLLM{
		Response:  "test response",
		TokensIn:  10,
		TokensOut: 20,
		Model:     "test-model",
	}
}

// DoRequest implements CoreLLM.
func (m *MockCoreLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	m.mu.Lock()
	m.CallCount++
	call := m.CallCount
	m.LastPrompt = prompt
	m.LastOpts = opts
	m.Prompts = append(m.Prompts, prompt)
	delay := m.ResponseDelay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", 0, 0, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUntilAttempt > 0 && call <= m.FailUntilAttempt {
		if m.Error != nil {
			return "", 0, 0, m.Error
		}
		return "", 0, 0, ErrMockFailure
	}

	if m.Respond != nil {
		resp, err := m.Respond(call, prompt, opts)
		if err != nil {
			return "", 0, 0, err
		}
		return resp, m.TokensIn, m.TokensOut, nil
	}

	if m.Error != nil {
		return "", 0, 0, m.Error
	}

	return m.Response, m.TokensIn, m.TokensOut, nil
}

// GetModel implements CoreLLM.
func (m *MockCoreLLM) GetModel() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Model
}

// SetModel implements CoreLLM.
func (m *MockCoreLLM) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Model = model
}

// GetCallCount returns the number of times DoRequest was called.
func (m *MockCoreLLM) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCount
}
