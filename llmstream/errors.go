package llmstream

import (
	"errors"
	"fmt"
)

// ClientError is the base error type for all llmstream errors.
type ClientError struct {
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// ProviderError represents an error returned by an LLM provider.
type ProviderError struct {
	ClientError
	Provider   string
	StatusCode int
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, retryable=%v)", e.Provider, e.Message, e.StatusCode, e.Retryable)
}

// Concrete provider error types.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Non-provider errors.

type RequestTimeoutError struct{ ClientError }
type NetworkError struct{ ClientError }
type StreamAbortedError struct{ ClientError }
type ConfigurationError struct{ ClientError }

// IsRetryable reports whether an error is worth retrying. Rate limits, server
// errors, timeouts, and network failures are transient; authentication,
// authorization, request-shape, and context-length failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rateLimit *RateLimitError
	var server *ServerError
	var timeout *RequestTimeoutError
	var network *NetworkError
	var aborted *StreamAbortedError
	if errors.As(err, &rateLimit) || errors.As(err, &server) ||
		errors.As(err, &timeout) || errors.As(err, &network) || errors.As(err, &aborted) {
		return true
	}

	var auth *AuthenticationError
	var denied *AccessDeniedError
	var invalid *InvalidRequestError
	var ctxLen *ContextLengthError
	var config *ConfigurationError
	if errors.As(err, &auth) || errors.As(err, &denied) ||
		errors.As(err, &invalid) || errors.As(err, &ctxLen) || errors.As(err, &config) {
		return false
	}

	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.Retryable
	}
	return false
}
