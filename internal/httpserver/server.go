package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greenlease/fleetplane/internal/config"
)

// Pinger is satisfied by the store; kept as an interface here so
// httpserver doesn't need to import the store package.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP server dependencies: the root router plus a /v1
// sub-router that domain handlers (host registry inbound, operator API)
// mount onto (spec.md §6).
type Server struct {
	Router    *chi.Mux
	V1Router  chi.Router
	Logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics
// endpoints wired, ready for domain handlers to be mounted onto V1Router.
func NewServer(cfg *config.Config, logger *slog.Logger, store Pinger, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// GET /healthz — 200 if store reachable (spec.md §6).
	s.Router.Get("/healthz", s.handleHealthz(store))

	// GET /metrics — Prometheus counters and gauges (spec.md §6).
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		s.V1Router = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			s.Logger.Error("healthz: store ping failed", "error", err)
			RespondError(w, http.StatusServiceUnavailable, "unavailable", "store not reachable")
			return
		}
		Respond(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
