package config

import (
	"time"

	"github.com/pxtio/topix-sub001/ratelimit"
	"github.com/pxtio/topix-sub001/retry"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the rate limit backend: memory, redis or postgres.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Prefix string `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

type RouteLimit struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
	TTL         time.Duration `mapstructure:"ttl"`
	FailOpen    bool          `mapstructure:"fail_open"`

	// SubjectHeader carries the caller identity.
	SubjectHeader string `mapstructure:"subject_header"`

	// Routes overrides the default budget per chi route pattern.
	Routes map[string]RouteLimit `mapstructure:"routes"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Delay       time.Duration `mapstructure:"delay"`
}

// UpstreamConfig points at the agent backend proxied under /api/v1/upstream.
// An empty BaseURL disables the route.
type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// WindowOptions converts the rate limit section into limiter options.
func (c *Config) WindowOptions() ratelimit.WindowOptions {
	opt := ratelimit.WindowOptions{
		Limit:    c.RateLimit.MaxRequests,
		Window:   c.RateLimit.Window,
		TTL:      c.RateLimit.TTL,
		Prefix:   c.Store.Prefix,
		FailOpen: c.RateLimit.FailOpen,
	}
	if len(c.RateLimit.Routes) > 0 {
		opt.Scopes = make(map[string]ratelimit.Policy, len(c.RateLimit.Routes))
		for route, rl := range c.RateLimit.Routes {
			opt.Scopes[route] = ratelimit.Policy{MaxRequests: rl.MaxRequests, Window: rl.Window}
		}
	}
	return opt
}

// RetryPolicy converts the retry section into a retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		Delay:       c.Retry.Delay,
	}
}
