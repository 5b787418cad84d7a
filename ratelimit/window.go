package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxCost = 100

// Window is a sliding-window-log limiter. Each key keeps the timestamps of
// its admitted requests; a request is admitted when fewer than the limit fall
// inside (now-window, now].
type Window struct {
	store Store

	prefix   string
	limit    int
	window   time.Duration
	ttl      time.Duration
	scopes   map[string]Policy
	failOpen bool

	onBackendError func(Key, error)
	now            func() time.Time
	logger         *zap.Logger
}

var _ RateLimiter = (*Window)(nil)

func NewWindow(store Store, opt WindowOptions) (*Window, error) {
	if store == nil {
		return nil, invalid("store", "must not be nil")
	}
	opt = opt.withDefaults()
	if err := opt.validate(); err != nil {
		return nil, err
	}

	w := &Window{
		store:          store,
		prefix:         opt.Prefix,
		limit:          opt.Limit,
		window:         opt.Window,
		ttl:            opt.TTL,
		scopes:         make(map[string]Policy, len(opt.Scopes)),
		failOpen:       opt.FailOpen,
		onBackendError: opt.OnBackendError,
		now:            opt.Clock,
		logger:         opt.Logger,
	}
	for scope, p := range opt.Scopes {
		w.scopes[scope] = p
	}
	return w, nil
}

// PolicyFor returns the budget that applies to scope.
func (w *Window) PolicyFor(scope string) Policy {
	if p, ok := w.scopes[scope]; ok {
		return p
	}
	return Policy{MaxRequests: w.limit, Window: w.window}
}

func (w *Window) Allow(ctx context.Context, key Key) (Decision, error) {
	return w.AllowN(ctx, key, 1)
}

func (w *Window) AllowN(ctx context.Context, key Key, cost int) (Decision, error) {
	p := w.PolicyFor(key.scope())
	return w.check(ctx, key, p, cost)
}

// CheckAndRecord admits or rejects one request for key against an explicit
// budget. Admitted requests are recorded; rejected ones are not.
func (w *Window) CheckAndRecord(ctx context.Context, key Key, maxRequests int, window time.Duration) (Decision, error) {
	return w.check(ctx, key, Policy{MaxRequests: maxRequests, Window: window}, 1)
}

func (w *Window) check(ctx context.Context, key Key, p Policy, cost int) (Decision, error) {
	dec := Decision{Limit: p.MaxRequests}
	if err := p.validate(); err != nil {
		return dec, err
	}
	if cost < 1 || cost > maxCost {
		return dec, invalid("cost", "must be within 1..%d, got %d", maxCost, cost)
	}
	if err := key.validate(); err != nil {
		return dec, err
	}
	if err := ctx.Err(); err != nil {
		return dec, err
	}

	// entries at exactly now-window still count, so keys must outlive it
	ttl := w.ttl
	if ttl <= p.Window {
		ttl = p.Window + time.Millisecond
	}
	members := make([]string, cost)
	for i := range members {
		members[i] = uuid.NewString()
	}

	now := w.now()
	usage, err := w.store.RecordAndCount(ctx, Request{
		Key:     ZKey(w.prefix, key),
		Now:     now,
		Window:  p.Window,
		Limit:   p.MaxRequests,
		Cost:    cost,
		TTL:     ttl,
		Members: members,
	})
	if err != nil {
		return w.backendFailure(key, dec, "record", err)
	}
	return decide(usage, now, p), nil
}

// Peek reports the state of key without recording anything. Allowed tells
// whether one more request would be admitted right now.
func (w *Window) Peek(ctx context.Context, key Key) (Decision, error) {
	p := w.PolicyFor(key.scope())
	dec := Decision{Limit: p.MaxRequests}
	if err := key.validate(); err != nil {
		return dec, err
	}
	if err := ctx.Err(); err != nil {
		return dec, err
	}

	now := w.now()
	usage, err := w.store.Count(ctx, ZKey(w.prefix, key), now, p.Window)
	if err != nil {
		return w.backendFailure(key, dec, "count", err)
	}
	usage.Allowed = usage.Count < p.MaxRequests
	return decide(usage, now, p), nil
}

// Reset drops every recorded request for key.
func (w *Window) Reset(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := w.store.Reset(ctx, ZKey(w.prefix, key)); err != nil {
		return asBackendError("reset", err)
	}
	return nil
}

func (w *Window) backendFailure(key Key, dec Decision, op string, err error) (Decision, error) {
	if errors.Is(err, context.Canceled) {
		return dec, err
	}
	berr := asBackendError(op, err)
	if w.onBackendError != nil {
		w.onBackendError(key, berr)
	}
	if !w.failOpen {
		return dec, berr
	}

	w.logger.Warn("rate limit store unavailable, admitting request",
		zap.String("scope", key.scope()),
		zap.String("subject", key.Subject),
		zap.Error(berr))
	dec.Allowed = true
	dec.Remaining = dec.Limit
	dec.Degraded = true
	return dec, nil
}

func asBackendError(op string, err error) error {
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Cause: err}
}

func decide(u Usage, now time.Time, p Policy) Decision {
	dec := Decision{
		Allowed:   u.Allowed,
		Limit:     p.MaxRequests,
		Remaining: max(p.MaxRequests-u.Count, 0),
	}
	if u.Oldest.IsZero() {
		dec.ResetAt = now.Add(p.Window)
	} else {
		// the window is closed, so the oldest entry counts through oldest+window
		dec.ResetAt = u.Oldest.Add(p.Window + time.Millisecond)
	}
	if !u.Allowed {
		dec.RetryAfter = max(dec.ResetAt.Sub(now), 0)
	}
	return dec
}
