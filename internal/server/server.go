package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pxtio/topix-sub001/internal/apperrors"
	"github.com/pxtio/topix-sub001/internal/config"
	"github.com/pxtio/topix-sub001/internal/observability"
	"github.com/pxtio/topix-sub001/internal/server/handlers"
	servermw "github.com/pxtio/topix-sub001/internal/server/middleware"
	"github.com/pxtio/topix-sub001/ratelimit"
)

// Limiter is what the API routes need from the rate limiter.
type Limiter interface {
	servermw.Limiter
	handlers.Peeker
}

// Options wires the server's collaborators.
type Options struct {
	Config        config.ServerConfig
	SubjectHeader string
	Limiter       Limiter
	Upstream      handlers.Fetcher
	Health        *handlers.HealthManager
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	Version       handlers.VersionInfo
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	opts   Options
	logger *zap.Logger
}

// New creates a new HTTP server instance
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = handlers.NewHealthManager(opts.Version.Version)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics(opts.Metrics, opts.Logger))
	r.Use(servermw.Recovery)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithEnvelope(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithEnvelope(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router: r,
		opts:   opts,
		logger: opts.Logger,
	}
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         net.JoinHostPort(opts.Config.Host, strconv.Itoa(opts.Config.Port)),
		Handler:      r,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
		IdleTimeout:  opts.Config.IdleTimeout,
	}
	return s
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		zap.String("host", s.opts.Config.Host),
		zap.Int("port", s.opts.Config.Port),
		zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the underlying router for testing and instrumentation
func (s *Server) Handler() http.Handler {
	return s.router
}

// BackendErrorHook logs store failures seen by the limiter.
func BackendErrorHook(logger *zap.Logger) func(ratelimit.Key, error) {
	return func(key ratelimit.Key, err error) {
		logger.Error("rate limit backend failure",
			zap.String("scope", key.Scope),
			zap.String("subject", key.Subject),
			zap.Error(err))
	}
}
