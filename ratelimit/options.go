package ratelimit

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMaxRequests = 10
	DefaultWindow      = time.Minute
	DefaultPrefix      = "topix:ratelimit"
)

// Policy is a request budget: at most MaxRequests inside any Window.
type Policy struct {
	MaxRequests int
	Window      time.Duration
}

func (p Policy) validate() error {
	if p.MaxRequests <= 0 {
		return invalid("max_requests", "must be positive, got %d", p.MaxRequests)
	}
	if p.Window <= 0 {
		return invalid("window", "must be positive, got %s", p.Window)
	}
	return nil
}

type WindowOptions struct {
	Limit  int           // e.g., 100
	Window time.Duration // e.g., 10 * time.Second
	TTL    time.Duration // key expiry, raised to just over Window when shorter
	Prefix string

	// Scopes overrides Limit/Window for individual scopes.
	Scopes map[string]Policy

	// FailOpen admits requests when the store fails. The default rejects them.
	FailOpen       bool
	OnBackendError func(key Key, err error)

	Clock  func() time.Time
	Logger *zap.Logger
}

func (o WindowOptions) withDefaults() WindowOptions {
	if o.Limit == 0 {
		o.Limit = DefaultMaxRequests
	}
	if o.Window == 0 {
		o.Window = DefaultWindow
	}
	if o.TTL <= 0 {
		o.TTL = o.Window
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

func (o WindowOptions) validate() error {
	if err := (Policy{MaxRequests: o.Limit, Window: o.Window}).validate(); err != nil {
		return err
	}
	for scope, p := range o.Scopes {
		if err := p.validate(); err != nil {
			ce := err.(*ConfigError)
			ce.Field = "scopes." + scope + "." + ce.Field
			return ce
		}
	}
	return nil
}
