package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLimitExceeded      = errors.New("rate limit exceeded")
	ErrBackendUnavailable = errors.New("rate limit backend unavailable")
	ErrInvalidConfig      = errors.New("invalid rate limit configuration")
	ErrMissingSubject     = errors.New("rate limit subject is required")
)

// LimitError is returned by Decision.Err for rejected requests.
type LimitError struct {
	Limit      int
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit of %d requests reached, try after %dms", e.Limit, e.RetryAfter.Milliseconds())
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// BackendError reports a failure of the storage backend.
type BackendError struct {
	Op    string
	Cause error
}

func (e *BackendError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", ErrBackendUnavailable, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrBackendUnavailable, e.Op, e.Cause)
}

func (e *BackendError) Unwrap() error { return e.Cause }

func (e *BackendError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// ConfigError reports an invalid limit, window, cost or key.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}
