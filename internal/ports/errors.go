package ports

import (
	"errors"
	"fmt"
	"time"
)

// Common infrastructure errors that can occur during external service
// interactions.
var (
	// ErrServiceUnavailable indicates that the external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInvalidResponse indicates that the service returned an invalid
	// response. *JSONParseError and *EmptyResponseError match it.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrAuthenticationFailed indicates that authentication with the
	// service failed.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidToken indicates that an identity token could not be verified.
	ErrInvalidToken = errors.New("invalid identity token")
)

// AuthenticationError reports that an upstream service rejected the
// configured credential. It is permanent: retrying cannot succeed until the
// configuration changes, and it halts the remaining pipeline stages.
type AuthenticationError struct {
	// Provider names the service that rejected the credential.
	Provider string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface for AuthenticationError.
func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, ErrAuthenticationFailed)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, ErrAuthenticationFailed, e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthenticationError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrAuthenticationFailed.
func (e *AuthenticationError) Is(target error) bool { return target == ErrAuthenticationFailed }

// JSONParseError reports a response that was received but could not be
// parsed as JSON. Raw keeps the response text for diagnostics.
type JSONParseError struct {
	// Raw is the unparsed response text.
	Raw string
	// Err is the decoder error, if any.
	Err error
}

// Error implements the error interface for JSONParseError.
func (e *JSONParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no JSON found in response (len: %d)", len(e.Raw))
	}
	return fmt.Sprintf("failed to parse JSON response (len: %d): %v", len(e.Raw), e.Err)
}

// Unwrap returns the underlying error.
func (e *JSONParseError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrInvalidResponse.
func (e *JSONParseError) Is(target error) bool { return target == ErrInvalidResponse }

// EmptyResponseError reports a blank completion.
type EmptyResponseError struct {
	// Provider names the service that returned nothing.
	Provider string
}

// Error implements the error interface for EmptyResponseError.
func (e *EmptyResponseError) Error() string {
	if e.Provider == "" {
		return "empty response from model"
	}
	return fmt.Sprintf("empty response from %s", e.Provider)
}

// Is lets errors.Is match ErrInvalidResponse.
func (e *EmptyResponseError) Is(target error) bool { return target == ErrInvalidResponse }

// RateLimitExceededError is raised before a request reaches the pipeline
// when the caller exceeded its request budget.
type RateLimitExceededError struct {
	// Key identifies the limited caller.
	Key string
	// Limit is the number of requests allowed per window.
	Limit int64
	// RetryAfter is how long the caller should wait before trying again.
	RetryAfter time.Duration
}

// Error implements the error interface for RateLimitExceededError.
func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d requests per window, retry after %s",
		e.Key, e.Limit, e.RetryAfter)
}

// IsAuthentication reports whether err is, or wraps, an AuthenticationError.
func IsAuthentication(err error) bool {
	var authErr *AuthenticationError
	return errors.As(err, &authErr)
}

// retryClassifier is implemented by errors that know whether a retry can
// help, such as classified provider errors.
type retryClassifier interface {
	IsRetryable() bool
}

// IsRetryable reports whether re-running the failed operation could succeed.
// Authentication failures are permanent; an error in the chain that
// classifies itself decides; everything else is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsAuthentication(err) {
		return false
	}
	var rc retryClassifier
	if errors.As(err, &rc) {
		return rc.IsRetryable()
	}
	return true
}
