package ratelimit

import "time"

// Decision is the outcome of a single rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when Allowed
	ResetAt    time.Time     // when the oldest counted request leaves the window
	Degraded   bool          // admitted without the store (fail-open)
}

// Err returns a *LimitError for a rejected decision and nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &LimitError{Limit: d.Limit, RetryAfter: d.RetryAfter}
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds. A rejected
// decision never reports less than one second.
func (d Decision) RetryAfterSeconds() int64 {
	s := ceilSeconds(d.RetryAfter)
	if !d.Allowed && s < 1 {
		return 1
	}
	return s
}
