package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error is the unified error interface returned by executor
// implementations. Retryable splits the taxonomy the worker acts on:
// transient failures re-enter the retry loop, fatal ones go straight to
// ERROR.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

// ConfigurationError is raised at construction time, before any call is
// attempted. Never retryable.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type callErrorBase struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *callErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *callErrorBase) Provider() string           { return e.provider }
func (e *callErrorBase) StatusCode() int            { return e.statusCode }
func (e *callErrorBase) Retryable() bool            { return e.retryable }
func (e *callErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

type InvalidRequestError struct{ callErrorBase }
type AuthenticationError struct{ callErrorBase }
type RequestTimeoutError struct{ callErrorBase }
type RateLimitError struct{ callErrorBase }
type ServerError struct{ callErrorBase }
type UnknownCallError struct{ callErrorBase }

// ResourceLimitError marks a fail-closed parallelism or budget breach. The
// worker maps it to INCOMPLETE with a violation record; it is never retried.
type ResourceLimitError struct {
	Limit  string
	Actual int
	Max    int
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("resource limit exceeded: %s = %d (max %d)", e.Limit, e.Actual, e.Max)
}
func (e *ResourceLimitError) Provider() string           { return "" }
func (e *ResourceLimitError) StatusCode() int            { return 0 }
func (e *ResourceLimitError) Retryable() bool            { return false }
func (e *ResourceLimitError) RetryAfter() *time.Duration { return nil }

// ErrorFromStatus classifies a provider HTTP status into the taxonomy.
// Unknown statuses default to retryable; a misclassified transient failure
// only costs extra attempts, a misclassified fatal one loses the task.
func ErrorFromStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := callErrorBase{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 404, 413, 422:
		base.retryable = false
		return &InvalidRequestError{base}
	case 401, 403:
		base.retryable = false
		return &AuthenticationError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownCallError{base}
	}
}

// Retryable reports whether the worker may retry after err. Context
// cancellation and deadline expiry are never retried here; the timeout
// path owns them.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var ee Error
	if errors.As(err, &ee) {
		return ee.Retryable()
	}
	return false
}
