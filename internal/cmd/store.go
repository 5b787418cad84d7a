package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pxtio/topix-sub001/internal/config"
	"github.com/pxtio/topix-sub001/internal/server"
	"github.com/pxtio/topix-sub001/ratelimit"
)

const sweepInterval = time.Minute

// backend is an opened rate limit store plus its lifecycle hooks.
type backend struct {
	store ratelimit.Store
	ping  func(ctx context.Context) error
	close func() error

	// janitor removes expired entries until ctx is done. Nil when the
	// store expires keys on its own.
	janitor func(ctx context.Context)
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.Store.Driver {
	case "memory":
		s := ratelimit.NewMemoryStore()
		return &backend{
			store:   s,
			ping:    func(context.Context) error { return nil },
			close:   func() error { return nil },
			janitor: func(ctx context.Context) { s.RunJanitor(ctx, sweepInterval) },
		}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		s, err := ratelimit.NewRedisStore(ctx, rdb)
		if err != nil {
			_ = rdb.Close()
			return nil, &ratelimit.BackendError{Op: "connect redis " + cfg.Redis.Addr, Cause: err}
		}
		return &backend{store: s, ping: s.Ping, close: rdb.Close}, nil

	case "postgres":
		s, err := ratelimit.NewPostgresStore(ctx, ratelimit.PostgresConfig{
			ConnString: cfg.Postgres.DSN,
			MaxConns:   cfg.Postgres.MaxConns,
			MinConns:   cfg.Postgres.MinConns,
		})
		if err != nil {
			return nil, &ratelimit.BackendError{Op: "connect postgres", Cause: err}
		}
		return &backend{
			store: s,
			ping:  s.Ping,
			close: s.Close,
			janitor: func(ctx context.Context) {
				ticker := time.NewTicker(sweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case now := <-ticker.C:
						n, err := s.Sweep(ctx, now)
						if err != nil {
							logger.Warn("rate limit sweep failed", zap.Error(err))
							continue
						}
						if n > 0 {
							logger.Debug("swept expired rate limit rows", zap.Int64("rows", n))
						}
					}
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// newLimiter opens the configured store and builds the limiter on it.
func newLimiter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ratelimit.Window, *backend, error) {
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	opt := cfg.WindowOptions()
	opt.Logger = logger
	opt.OnBackendError = server.BackendErrorHook(logger)

	w, err := ratelimit.NewWindow(b.store, opt)
	if err != nil {
		_ = b.close()
		return nil, nil, err
	}
	return w, b, nil
}
