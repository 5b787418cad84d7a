package ratelimit

import (
	"context"
	"time"
)

type RateLimiter interface {
	Allow(ctx context.Context, key Key) (Decision, error)
	AllowN(ctx context.Context, key Key, cost int) (Decision, error)
	CheckAndRecord(ctx context.Context, key Key, maxRequests int, window time.Duration) (Decision, error)
}

// Store holds the per-key timestamp logs. RecordAndCount must be atomic per
// key: purge, count, compare and record happen as one step.
type Store interface {
	RecordAndCount(ctx context.Context, r Request) (Usage, error)
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (Usage, error)
	Reset(ctx context.Context, key string) error
}

// Request is one check-and-record call against a Store.
type Request struct {
	Key     string
	Now     time.Time
	Window  time.Duration
	Limit   int
	Cost    int
	TTL     time.Duration
	Members []string // one unique member per unit of cost
}

// Usage is what a Store reports about a key after purging expired entries.
type Usage struct {
	Allowed bool
	Count   int       // entries inside the window, including any just recorded
	Oldest  time.Time // zero when the log is empty
}
