package upstream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pxtio/topix-sub001/internal/observability"
	"github.com/pxtio/topix-sub001/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Delay: 5 * time.Millisecond}
}

func retryCount(t *testing.T, m *observability.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "topix_retry_attempts_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/42", r.URL.Path)
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42}`))
	}))
	defer srv.Close()

	m := observability.NewMetrics()
	c, err := New(srv.URL, WithRetryPolicy(fastPolicy()), WithMetrics(m))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "/agents/42")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"id":42}`, string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())

	assert.Equal(t, 2.0, retryCount(t, m, "retry"))
	assert.Equal(t, 1.0, retryCount(t, m, "success"))
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "agents/404")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.NotErrorIs(t, err, retry.ErrExhausted)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Exhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var hooked []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error) { hooked = append(hooked, attempt) }
	m := observability.NewMetrics()
	c, err := New(srv.URL, WithRetryPolicy(p), WithMetrics(m))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "/x")
	require.ErrorIs(t, err, retry.ErrExhausted)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, 7*time.Second, se.RetryAfter)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{1, 2}, hooked)
	assert.Equal(t, 2.0, retryCount(t, m, "retry"))
	assert.Equal(t, 1.0, retryCount(t, m, "exhausted"))
}

func TestClient_BodyTooLarge(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write(bytes.Repeat([]byte("a"), maxBodyBytes+1))
	}))
	defer srv.Close()

	m := observability.NewMetrics()
	c, err := New(srv.URL, WithRetryPolicy(fastPolicy()), WithMetrics(m))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "/big")
	require.ErrorIs(t, err, ErrBodyTooLarge)
	assert.NotErrorIs(t, err, retry.ErrExhausted)
	assert.Nil(t, resp)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, retryCount(t, m, "failed"))
}

func TestClient_BodyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("a"), maxBodyBytes))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithRetryPolicy(fastPolicy()))
	require.NoError(t, err)

	resp, err := c.Get(context.Background(), "/big")
	require.NoError(t, err)
	assert.Len(t, resp.Body, maxBodyBytes)
}

func TestClient_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithRetryPolicy(retry.Policy{MaxAttempts: 5, Delay: time.Hour}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Get(ctx, "/slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New("ftp://example.com")
	assert.Error(t, err)

	_, err = New("http://example.com", WithRetryPolicy(retry.Policy{MaxAttempts: 0}))
	assert.Error(t, err)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(errors.New("connection reset by peer")))
	assert.True(t, Retryable(&StatusError{StatusCode: http.StatusTooManyRequests}))
	assert.False(t, Retryable(&StatusError{StatusCode: http.StatusBadRequest}))
	assert.False(t, Retryable(context.Canceled))
}
