// Package server wires the HTTP surface over the pool core: query
// execution, pool statistics, invalidation, and health probes. It owns
// graceful shutdown, which cascades through the registry to the tunnel
// manager before the process exits.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/dbdeck/dbdeck/internal/connection"
	"github.com/dbdeck/dbdeck/internal/executor"
	"github.com/dbdeck/dbdeck/internal/handler"
	"github.com/dbdeck/dbdeck/internal/pool"
	"github.com/dbdeck/dbdeck/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host               string
	Port               int
	ShutdownTimeout    time.Duration
	CORSOrigins        []string
	RateLimitPerMinute int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		ShutdownTimeout:    30 * time.Second,
		CORSOrigins:        []string{"*"},
		RateLimitPerMinute: 600,
	}
}

// Server is the top-level HTTP server. It owns the chi router, the pool
// registry, and the query executor.
type Server struct {
	cfg         Config
	router      chi.Router
	registry    *pool.Registry
	exec        *executor.Executor
	connections map[string]*connection.Descriptor
	httpServer  *http.Server
	logger      *slog.Logger
}

// New creates a Server with all routes and middleware wired. Call
// ListenAndServe to start accepting connections.
func New(cfg Config, registry *pool.Registry, exec *executor.Executor, connections map[string]*connection.Descriptor, logger *slog.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		registry:    registry,
		exec:        exec,
		connections: connections,
		logger:      logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(chimw.Compress(5))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1", func(r chi.Router) {
		queryHandler := handler.NewQueryHandler(s.exec, s.connections)
		poolHandler := handler.NewPoolHandler(s.registry)

		r.Group(func(r chi.Router) {
			if s.cfg.RateLimitPerMinute > 0 {
				r.Use(middleware.RateLimit(s.cfg.RateLimitPerMinute))
			}
			r.Post("/query", queryHandler.Execute)
		})

		r.Get("/pools", poolHandler.Stats)
		r.Delete("/pools/{connectionId}", poolHandler.Invalidate)
		r.Get("/pools/{connectionId}/health", poolHandler.Health)
	})

	s.router = r
}

// handleHealthz is a liveness probe: 200 whenever the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe: 200 when every live pool passes its
// health check, 503 when any is degraded. Pools are created lazily, so an
// empty registry is ready.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	for _, p := range s.registry.GetPoolStats().Pools {
		if s.registry.HealthCheck(r.Context(), p.ConnectionID) {
			checks[p.ConnectionID] = "ok"
		} else {
			checks[p.ConnectionID] = "unhealthy"
			status = "degraded"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until SIGINT or SIGTERM.
// On shutdown it drains in-flight requests, then destroys every pool, which
// cascades to tunnel teardown.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.registry.DestroyAll()
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
