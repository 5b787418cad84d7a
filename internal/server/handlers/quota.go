package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/pxtio/topix-sub001/internal/apperrors"
	"github.com/pxtio/topix-sub001/ratelimit"
)

// Peeker reports a key's state without recording a request.
type Peeker interface {
	Peek(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error)
}

type QuotaResponse struct {
	Subject           string    `json:"subject"`
	Scope             string    `json:"scope"`
	Limit             int       `json:"limit"`
	Remaining         int       `json:"remaining"`
	ResetAt           time.Time `json:"reset_at"`
	RetryAfterSeconds int64     `json:"retry_after_seconds"`
	Allowed           bool      `json:"allowed"`
}

// QuotaHandler reports the caller's remaining budget for ?scope= (a route
// pattern such as /api/v1/upstream/*).
type QuotaHandler struct {
	Limiter Peeker
	Subject func(r *http.Request) string
}

func (h QuotaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = ratelimit.DefaultScope
	}
	key := ratelimit.Key{Subject: h.Subject(r), Scope: scope}

	dec, err := h.Limiter.Peek(r.Context(), key)
	if err != nil {
		apperrors.RespondWithError(w, r, err)
		return
	}

	resp := QuotaResponse{
		Subject:   key.Subject,
		Scope:     scope,
		Limit:     dec.Limit,
		Remaining: dec.Remaining,
		ResetAt:   dec.ResetAt.UTC(),
		Allowed:   dec.Allowed,
	}
	if !dec.Allowed {
		resp.RetryAfterSeconds = dec.RetryAfterSeconds()
	}
	writeJSON(w, http.StatusOK, resp)
}
