package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pxtio/topix-sub001/internal/observability"
	"github.com/pxtio/topix-sub001/internal/server"
	"github.com/pxtio/topix-sub001/internal/server/handlers"
	"github.com/pxtio/topix-sub001/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "bind host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "bind port (overrides server.port)")
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	limiter, b, err := newLimiter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("close rate limit store", zap.Error(err))
		}
	}()

	health := handlers.NewHealthManager(versionInfo.Version)
	health.RegisterChecker("ratelimit_store", handlers.HealthCheckerFunc(b.ping))

	opts := server.Options{
		Config:        cfg.Server,
		SubjectHeader: cfg.RateLimit.SubjectHeader,
		Limiter:       limiter,
		Health:        health,
		Metrics:       metrics,
		Logger:        logger,
		Version: handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
			GoVersion: runtime.Version(),
		},
	}
	if cfg.Upstream.BaseURL != "" {
		client, err := upstream.New(cfg.Upstream.BaseURL,
			upstream.WithHTTPClient(&http.Client{Timeout: cfg.Upstream.Timeout}),
			upstream.WithRetryPolicy(cfg.RetryPolicy()),
			upstream.WithLogger(logger),
			upstream.WithMetrics(metrics),
		)
		if err != nil {
			return err
		}
		opts.Upstream = client
	} else {
		logger.Info("upstream.base_url not set, upstream routes disabled")
	}

	srv := server.New(opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if b.janitor != nil {
		g.Go(func() error {
			b.janitor(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
