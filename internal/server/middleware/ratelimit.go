package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pxtio/topix-sub001/internal/apperrors"
	"github.com/pxtio/topix-sub001/internal/observability"
	"github.com/pxtio/topix-sub001/ratelimit"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"

	DefaultSubjectHeader = "X-User-ID"
)

// Limiter admits or rejects one request for a key.
type Limiter interface {
	Allow(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error)
}

// SubjectFunc extracts the caller identity. An empty result is rejected.
type SubjectFunc func(r *http.Request) string

// ScopeFunc names the action being limited.
type ScopeFunc func(r *http.Request) string

// SubjectFromHeader reads the identity from the named header.
func SubjectFromHeader(name string) SubjectFunc {
	if name == "" {
		name = DefaultSubjectHeader
	}
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// RouteScope uses the matched chi route pattern, so every request to
// /api/v1/upstream/* shares one budget.
func RouteScope(r *http.Request) string {
	return endpointPattern(r)
}

type RateLimitOptions struct {
	Limiter Limiter
	Subject SubjectFunc
	Scope   ScopeFunc
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// RateLimit checks every request against the limiter before it reaches the
// handler. Rejected requests get 429 with Retry-After; limiter failures are
// reported through the error envelope (503 backend, 401 missing subject).
func RateLimit(opts RateLimitOptions) func(http.Handler) http.Handler {
	if opts.Subject == nil {
		opts.Subject = SubjectFromHeader(DefaultSubjectHeader)
	}
	if opts.Scope == nil {
		opts.Scope = RouteScope
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ratelimit.Key{Subject: opts.Subject(r), Scope: opts.Scope(r)}

			dec, err := opts.Limiter.Allow(r.Context(), key)
			if err != nil {
				opts.Metrics.ObserveDecision(key.Scope, observability.OutcomeError)
				apperrors.RespondWithError(w, r, err)
				return
			}

			setRateLimitHeaders(w.Header(), dec)
			if !dec.Allowed {
				opts.Metrics.ObserveDecision(key.Scope, observability.OutcomeRejected)
				opts.Logger.Debug("rate limit exceeded",
					zap.String("scope", key.Scope),
					zap.String("subject", key.Subject),
					zap.Duration("retry_after", dec.RetryAfter))
				w.Header().Set(HeaderRetryAfter, strconv.FormatInt(dec.RetryAfterSeconds(), 10))
				apperrors.RespondWithEnvelope(w, r, apperrors.NewRateLimitedError(dec))
				return
			}

			outcome := observability.OutcomeAllowed
			if dec.Degraded {
				outcome = observability.OutcomeDegraded
			}
			opts.Metrics.ObserveDecision(key.Scope, outcome)
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(h http.Header, dec ratelimit.Decision) {
	if dec.Limit <= 0 || dec.Degraded {
		return
	}
	h.Set(HeaderRateLimitLimit, strconv.Itoa(dec.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(dec.Remaining))
	if !dec.ResetAt.IsZero() {
		h.Set(HeaderRateLimitReset, strconv.FormatInt(dec.ResetAt.Unix(), 10))
	}
}
