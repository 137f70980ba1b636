package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRequestTimeout is returned when a single model call exceeds the
// per-call timeout. The caller's own deadline is reported unchanged.
var ErrRequestTimeout = errors.New("model request timed out")

type timeoutLLM struct {
	next    CoreLLM
	timeout time.Duration
}

// TimeoutMiddleware bounds every model call to timeout. A non-positive
// timeout disables the middleware.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next CoreLLM) CoreLLM {
		if timeout <= 0 {
			return next
		}
		return &timeoutLLM{
			next:    next,
			timeout: timeout,
		}
	}
}

func (t *timeoutLLM) DoRequest(ctx context.Context, prompt string, opts map[string]any) (string, int, int, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	response, tokensIn, tokensOut, err := t.next.DoRequest(callCtx, prompt, opts)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", 0, 0, fmt.Errorf("%w after %s: %w", ErrRequestTimeout, t.timeout, err)
	}
	return response, tokensIn, tokensOut, err
}

func (t *timeoutLLM) GetModel() string { return t.next.GetModel() }

func (t *timeoutLLM) SetModel(m string) { t.next.SetModel(m) }
