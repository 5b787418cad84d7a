package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pxtio/topix-sub001/internal/observability"
	"github.com/pxtio/topix-sub001/retry"
)

const (
	operationGet = "upstream.get"
	maxBodyBytes = 4 << 20
)

// Response is a fully read upstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client forwards GET requests to the agent backend, retrying transient
// failures with a fixed delay.
type Client struct {
	base    *url.URL
	http    *http.Client
	policy  retry.Policy
	logger  *zap.Logger
	metrics *observability.Metrics

	get func(context.Context, string) (*Response, error)
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.policy = p
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, ErrNotConfigured
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: 30 * time.Second},
		policy: retry.DefaultPolicy(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.policy.Validate(); err != nil {
		return nil, err
	}

	p := c.policy
	p.Operation = operationGet
	p.Retryable = Retryable
	p.Logger = c.logger
	onRetry := c.policy.OnRetry
	p.OnRetry = func(attempt int, err error) {
		c.metrics.ObserveRetry(operationGet, "retry")
		if onRetry != nil {
			onRetry(attempt, err)
		}
	}
	c.get = retry.WrapArg(p, c.doGet)
	return c, nil
}

// Get fetches path, which may carry a query string, relative to the base URL.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	resp, err := c.get(ctx, path)
	switch {
	case err == nil:
		c.metrics.ObserveRetry(operationGet, "success")
	case errors.Is(err, retry.ErrExhausted):
		c.metrics.ObserveRetry(operationGet, "exhausted")
	default:
		c.metrics.ObserveRetry(operationGet, "failed")
	}
	return resp, err
}

func (c *Client) doGet(ctx context.Context, path string) (*Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse path %q: %w", path, err))
	}
	target := c.base.JoinPath(strings.TrimPrefix(ref.Path, "/"))
	target.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("closing upstream body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, retry.Permanent(fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, maxBodyBytes))
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return out, nil
}

// Retryable classifies upstream failures. Transport errors and temporary
// statuses are retried; other statuses and context errors are not.
func Retryable(err error) bool {
	if !retry.DefaultRetryable(err) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
