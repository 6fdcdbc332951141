package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 60 * time.Second

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	requestTimeout time.Duration
	httpServer     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithRequestTimeout sets the per-request deadline of API routes.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

func New(port int, logger *slog.Logger, opts ...Option) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "corrtrace")
	})

	s := &Server{
		Router:         r,
		Port:           port,
		logger:         logger,
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Mount registers the dashboard routes under /api and at the root.
func (s *Server) Mount(h *Handlers) {
	routes := func(r chi.Router) {
		// Long-lived; kept out of the timeout and compression group.
		r.Get("/correlations/stream", h.Stream)

		r.Group(func(r chi.Router) {
			r.Use(TimeoutMiddleware(s.requestTimeout))
			r.Use(QueryStatsMiddleware)
			r.Use(func(next http.Handler) http.Handler {
				return gzhttp.GzipHandler(next)
			})

			r.Get("/correlations", h.Correlations)
			r.Get("/correlations/count", h.Count)
			r.Get("/correlations/preview", h.Preview)
			r.Get("/debug/query-preview", h.Preview)
			r.Get("/debug/mapping", h.Mapping)
			r.Get("/filters", h.Filters)
			r.Get("/health", h.Health)
			r.Get("/metrics", h.Metrics)
			r.Get("/metrics/history", h.MetricsHistory)
			r.Get("/metrics/prometheus", h.Prometheus)
		})
	}

	s.Router.Route("/api", routes)
	s.Router.Group(routes)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
