// Package server exposes the operational HTTP surface: health,
// module inventory, memory CRUD, federated search, and stats.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/plexmem/plexmem/internal/federation"
	"github.com/plexmem/plexmem/internal/registry"
	"github.com/plexmem/plexmem/internal/telemetry"
)

// DefaultHTTPTimeout bounds request handling end to end.
const DefaultHTTPTimeout = 30 * time.Second

// Server routes HTTP requests to the federation layer and registry.
type Server struct {
	registry *registry.Registry
	orch     *federation.Orchestrator
	metrics  *telemetry.Metrics
	version  string

	router *chi.Mux
	logger zerolog.Logger
}

// New assembles the router. The metrics set may be nil.
func New(reg *registry.Registry, orch *federation.Orchestrator, metrics *telemetry.Metrics, version string) *Server {
	s := &Server{
		registry: reg,
		orch:     orch,
		metrics:  metrics,
		version:  version,
		router:   chi.NewRouter(),
		logger:   log.With().Str("component", "server").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(DefaultHTTPTimeout))
	s.router.Use(s.requestLogger)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/modules", s.handleListModules)
		r.Get("/stats", s.handleStats)

		r.Post("/search", s.handleSearch)

		r.Post("/memories", s.handleStore)
		r.Get("/memories/{module}/{id}", s.handleGet)
		r.Patch("/memories/{module}/{id}", s.handleUpdate)
		r.Delete("/memories/{module}/{id}", s.handleDelete)
	})
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
