package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/pxtio/topix-sub001/ratelimit"
	"github.com/pxtio/topix-sub001/retry"
)

const (
	EnvPrefix  = "TOPIX"
	configName = "topix"
)

var validDrivers = map[string]bool{"memory": true, "redis": true, "postgres": true}

// SetDefaults registers every configuration key with its default value.
// Keys must be registered for environment overrides to reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.prefix", ratelimit.DefaultPrefix)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)

	v.SetDefault("ratelimit.max_requests", ratelimit.DefaultMaxRequests)
	v.SetDefault("ratelimit.window", ratelimit.DefaultWindow)
	v.SetDefault("ratelimit.ttl", time.Duration(0))
	v.SetDefault("ratelimit.fail_open", false)
	v.SetDefault("ratelimit.subject_header", "X-User-ID")

	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.delay", retry.DefaultDelay)

	v.SetDefault("upstream.base_url", "")
	v.SetDefault("upstream.timeout", 30*time.Second)

	v.SetDefault("metrics.enabled", true)
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from file (when given, or topix.yaml in the
// working directory or ./config) and TOPIX_* environment variables on top of
// the defaults, then validates it.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals v into a validated Config.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("create config decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting as a *ratelimit.ConfigError so
// that callers can match ratelimit.ErrInvalidConfig.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return invalid("server.port", "must be within 0..65535, got %d", c.Server.Port)
	case !validDrivers[c.Store.Driver]:
		return invalid("store.driver", "must be memory, redis or postgres, got %q", c.Store.Driver)
	case c.Store.Driver == "redis" && strings.TrimSpace(c.Redis.Addr) == "":
		return invalid("redis.addr", "required for the redis store")
	case c.Store.Driver == "postgres" && strings.TrimSpace(c.Postgres.DSN) == "":
		return invalid("postgres.dsn", "required for the postgres store")
	case c.RateLimit.MaxRequests <= 0:
		return invalid("ratelimit.max_requests", "must be positive, got %d", c.RateLimit.MaxRequests)
	case c.RateLimit.Window <= 0:
		return invalid("ratelimit.window", "must be positive, got %s", c.RateLimit.Window)
	case c.RateLimit.TTL < 0:
		return invalid("ratelimit.ttl", "must not be negative, got %s", c.RateLimit.TTL)
	case strings.TrimSpace(c.RateLimit.SubjectHeader) == "":
		return invalid("ratelimit.subject_header", "must not be empty")
	case c.Retry.MaxAttempts < 1:
		return invalid("retry.max_attempts", "must be at least 1, got %d", c.Retry.MaxAttempts)
	case c.Retry.Delay < 0:
		return invalid("retry.delay", "must not be negative, got %s", c.Retry.Delay)
	}

	for route, rl := range c.RateLimit.Routes {
		if rl.MaxRequests <= 0 {
			return invalid("ratelimit.routes."+route+".max_requests", "must be positive, got %d", rl.MaxRequests)
		}
		if rl.Window <= 0 {
			return invalid("ratelimit.routes."+route+".window", "must be positive, got %s", rl.Window)
		}
	}
	return nil
}

func invalid(field, format string, args ...any) error {
	return &ratelimit.ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}
