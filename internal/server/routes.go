package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pxtio/topix-sub001/internal/server/handlers"
	servermw "github.com/pxtio/topix-sub001/internal/server/middleware"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.opts.Health.HealthHandler)
	s.router.Get("/version", handlers.VersionHandler(s.opts.Version))
	if s.opts.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}

	subject := servermw.SubjectFromHeader(s.opts.SubjectHeader)
	limit := servermw.RateLimit(servermw.RateLimitOptions{
		Limiter: s.opts.Limiter,
		Subject: subject,
		Metrics: s.opts.Metrics,
		Logger:  s.logger,
	})

	s.router.Route("/api/v1", func(r chi.Router) {
		r.With(limit).Get("/quota", handlers.QuotaHandler{
			Limiter: s.opts.Limiter,
			Subject: subject,
		}.ServeHTTP)
		r.With(limit).Get("/upstream/*", handlers.UpstreamHandler{
			Client: s.opts.Upstream,
		}.ServeHTTP)
	})
}
