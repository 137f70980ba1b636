package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heyronith/kurral-sub012/internal/ports"
)

// captureServer answers every request with status and body and keeps the
// decoded request body for inspection.
func captureServer(t *testing.T, status int, body string) (*httptest.Server, *map[string]any) {
	t.Helper()
	captured := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func newTestProvider(t *testing.T, providerType, baseURL, model string) CoreLLM {
	t.Helper()
	factory, ok := providerFactories[providerType]
	require.True(t, ok, "provider %s should be registered", providerType)
	p, err := factory(ClientConfig{APIKey: "test-key", Model: model, BaseURL: baseURL})
	require.NoError(t, err)
	return p
}

const openAIReply = `{
  "id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
  "choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"ok\":true}"}, "finish_reason": "stop"}],
  "usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
}`

func TestOpenAIProvider_VisionAndJSONMode(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, openAIReply)
	p := newTestProvider(t, "openai", srv.URL+"/v1", "gpt-4o-mini")

	resp, in, out, err := p.DoRequest(context.Background(), "classify this", map[string]any{
		OptSystem:   "you are a classifier",
		OptImageURL: "https://cdn.example.com/pic.png",
		OptJSONMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, resp)
	assert.Equal(t, 12, in)
	assert.Equal(t, 4, out)

	body := *captured
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])

	messages := body["messages"].([]any)
	require.Len(t, messages, 2, "system message plus user message")
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])

	parts := messages[1].(map[string]any)["content"].([]any)
	require.Len(t, parts, 2, "text part plus image part")
	image := parts[1].(map[string]any)["image_url"].(map[string]any)
	assert.Equal(t, "https://cdn.example.com/pic.png", image["url"])
}

func TestOpenAIProvider_AuthenticationError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusUnauthorized,
		`{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error"}}`)
	p := newTestProvider(t, "openai", srv.URL+"/v1", "gpt-4o-mini")

	_, _, _, err := p.DoRequest(context.Background(), "hi", nil)
	require.Error(t, err)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ErrorTypeAuthentication, provErr.Type)
	assert.True(t, ports.IsAuthentication(ToPortError("openai", err)))
}

func TestOpenAIProvider_ServerErrorIsRetryable(t *testing.T) {
	srv, _ := captureServer(t, http.StatusServiceUnavailable, `{"error": {"message": "overloaded"}}`)
	p := newTestProvider(t, "openai", srv.URL+"/v1", "gpt-4o-mini")

	_, _, _, err := p.DoRequest(context.Background(), "hi", nil)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.True(t, provErr.IsRetryable())
	assert.True(t, ports.IsRetryable(ToPortError("openai", err)))
}

func TestAnthropicProvider_Request(t *testing.T) {
	srv, captured := captureServer(t, http.StatusOK, `{
  "id": "msg_1", "type": "message", "role": "assistant", "model": "claude-3-5-haiku-latest",
  "content": [{"type": "text", "text": "hello"}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 5, "output_tokens": 7}
}`)
	p := newTestProvider(t, "anthropic", srv.URL, "claude-3-5-haiku-latest")

	resp, in, out, err := p.DoRequest(context.Background(), "describe", map[string]any{
		OptSystem:      "be brief",
		OptImageURL:    "https://cdn.example.com/pic.jpg",
		OptTemperature: 1.5,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp)
	assert.Equal(t, 5, in)
	assert.Equal(t, 7, out)

	body := *captured
	assert.Equal(t, 1.0, body["temperature"], "temperature is clamped to the provider maximum")
	assert.Equal(t, float64(DefaultMaxTokens), body["max_tokens"])

	system := body["system"].([]any)
	assert.Equal(t, "be brief", system[0].(map[string]any)["text"])

	content := body["messages"].([]any)[0].(map[string]any)["content"].([]any)
	require.Len(t, content, 2)
	source := content[1].(map[string]any)["source"].(map[string]any)
	assert.Equal(t, "url", source["type"])
	assert.Equal(t, "https://cdn.example.com/pic.jpg", source["url"])
}

func TestAnthropicProvider_AuthenticationError(t *testing.T) {
	srv, _ := captureServer(t, http.StatusUnauthorized,
		`{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`)
	p := newTestProvider(t, "anthropic", srv.URL, "claude-3-5-haiku-latest")

	_, _, _, err := p.DoRequest(context.Background(), "hi", nil)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ErrorTypeAuthentication, provErr.Type)
	assert.Equal(t, 401, provErr.StatusCode)
}

func TestGoogleProvider_Request(t *testing.T) {
	var path string
	captured := map[string]any{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
  "candidates": [{"content": {"role": "model", "parts": [{"text": "[1,2]"}]}}],
  "usageMetadata": {"promptTokenCount": 9, "candidatesTokenCount": 3}
}`)
	}))
	defer srv.Close()

	p := newTestProvider(t, "google", srv.URL, "gemini-2.0-flash")
	resp, in, out, err := p.DoRequest(context.Background(), "list", map[string]any{
		OptJSONMode: true,
		OptImageURL: "https://cdn.example.com/pic.webp?size=large",
	})
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", resp)
	assert.Equal(t, 9, in)
	assert.Equal(t, 3, out)
	assert.True(t, strings.HasSuffix(path, "gemini-2.0-flash:generateContent"), "unexpected path %s", path)

	genConfig := captured["generationConfig"].(map[string]any)
	assert.Equal(t, "application/json", genConfig["responseMimeType"])

	parts := captured["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	fileData := parts[1].(map[string]any)["fileData"].(map[string]any)
	assert.Equal(t, "image/webp", fileData["mimeType"])
}

func TestGoogleProvider_PermissionDenied(t *testing.T) {
	srv, _ := captureServer(t, http.StatusForbidden,
		`{"error": {"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"}}`)
	p := newTestProvider(t, "google", srv.URL, "gemini-2.0-flash")

	_, _, _, err := p.DoRequest(context.Background(), "hi", nil)

	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, ErrorTypeAuthentication, provErr.Type)
}

func TestImageMIMEType(t *testing.T) {
	assert.Equal(t, "image/png", imageMIMEType("https://x/y.PNG"))
	assert.Equal(t, "image/jpeg", imageMIMEType("https://x/y"))
	assert.Equal(t, "image/jpeg", imageMIMEType("https://x/doc.pdf"), "non-image types fall back to JPEG")
}

func TestErrorClassifier(t *testing.T) {
	ec := &ErrorClassifier{Provider: "openai"}

	tests := []struct {
		status    int
		want      ErrorType
		retryable bool
	}{
		{401, ErrorTypeAuthentication, false},
		{403, ErrorTypeAuthentication, false},
		{429, ErrorTypeRateLimit, true},
		{400, ErrorTypeBadRequest, false},
		{404, ErrorTypeNotFound, false},
		{502, ErrorTypeServerError, true},
		{418, ErrorTypeBadRequest, false},
		{302, ErrorTypeUnknown, true},
	}

	for _, tt := range tests {
		err := ec.ClassifyHTTPError(tt.status, "msg", nil)
		assert.Equal(t, tt.want, err.Type, "status %d", tt.status)
		assert.Equal(t, tt.retryable, err.IsRetryable(), "status %d", tt.status)
		assert.Equal(t, tt.retryable, ports.IsRetryable(ToPortError("openai", err)),
			"the pipeline follows the provider classification for status %d", tt.status)
		assert.Equal(t, tt.want == ErrorTypeNotFound, errors.Is(err, ErrInvalidModel), "status %d", tt.status)
	}

	timeout := ec.ClassifyContextError(context.DeadlineExceeded)
	assert.Equal(t, ErrorTypeTimeout, timeout.Type)
	assert.True(t, timeout.IsRetryable())
}
