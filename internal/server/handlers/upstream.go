package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pxtio/topix-sub001/internal/apperrors"
	"github.com/pxtio/topix-sub001/internal/upstream"
	"github.com/pxtio/topix-sub001/retry"
)

// Fetcher performs a GET against the agent backend.
type Fetcher interface {
	Get(ctx context.Context, path string) (*upstream.Response, error)
}

// UpstreamHandler forwards GET /api/v1/upstream/* to the agent backend.
type UpstreamHandler struct {
	Client Fetcher
}

func (h UpstreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Client == nil {
		apperrors.RespondWithEnvelope(w, r, apperrors.NewServiceUnavailableError("upstream is not configured"))
		return
	}

	path := "/" + chi.URLParam(r, "*")
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	resp, err := h.Client.Get(r.Context(), path)
	if err != nil {
		var se *upstream.StatusError
		if resp != nil && errors.As(err, &se) && !errors.Is(err, retry.ErrExhausted) {
			writeUpstream(w, resp)
			return
		}
		apperrors.RespondWithError(w, r, err)
		return
	}
	writeUpstream(w, resp)
}

func writeUpstream(w http.ResponseWriter, resp *upstream.Response) {
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
