package retry

import (
	"errors"
	"fmt"
)

// ErrExhausted matches any *ExhaustedError.
var ErrExhausted = errors.New("retry attempts exhausted")

// ExhaustedError is returned once every attempt has failed.
type ExhaustedError struct {
	Operation string
	Attempts  int
	Last      error
}

func (e *ExhaustedError) Error() string {
	if e.Operation == "" {
		return fmt.Sprintf("%s after %d attempts: %v", ErrExhausted, e.Attempts, e.Last)
	}
	return fmt.Sprintf("%s: %s after %d attempts: %v", e.Operation, ErrExhausted, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The retry loop returns the
// wrapped error unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
