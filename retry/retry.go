package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 500 * time.Millisecond
)

// Policy describes how often and how far apart attempts are made.
type Policy struct {
	// Operation names the wrapped call in logs and errors.
	Operation string

	// MaxAttempts counts the first call. Values below 1 are treated as 1.
	MaxAttempts int

	// Delay is the constant pause between attempts.
	Delay time.Duration

	// Retryable decides whether a failure is worth another attempt.
	// Defaults to DefaultRetryable.
	Retryable func(error) bool

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)

	Logger *zap.Logger
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Delay:       DefaultDelay,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.Delay < 0 {
		return fmt.Errorf("retry: delay must not be negative, got %s", p.Delay)
	}
	return nil
}

// DefaultRetryable retries every error except context cancellation, deadline
// expiry and errors marked with Permanent.
func DefaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsPermanent(err)
}

// Do runs op under p.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Call(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op until it succeeds, fails with a non-retryable error, or
// p.MaxAttempts attempts have been made.
func Call[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(err, ctxErr) {
				return v, err
			}
			return v, fmt.Errorf("%w (last error: %w)", ctxErr, err)
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return v, perm.err
		}
		if !retryable(err) {
			return v, err
		}

		if attempt >= attempts {
			logger.Warn("retry attempts exhausted",
				zap.String("operation", p.Operation),
				zap.Int("attempts", attempt),
				zap.Error(err))
			return v, &ExhaustedError{Operation: p.Operation, Attempts: attempt, Last: err}
		}

		logger.Debug("retrying operation",
			zap.String("operation", p.Operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Duration("delay", p.Delay),
			zap.Error(err))
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		if werr := wait(ctx, p.Delay); werr != nil {
			return zero, fmt.Errorf("%w (last error: %w)", werr, err)
		}
	}
}

// Wrap returns op with retries applied. The result has the same signature.
func Wrap[T any](p Policy, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Call(ctx, p, op)
	}
}

// WrapArg is Wrap for operations that take one argument besides the context.
func WrapArg[A, T any](p Policy, op func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, a A) (T, error) {
		return Call(ctx, p, func(ctx context.Context) (T, error) {
			return op(ctx, a)
		})
	}
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
