// Package server exposes the read-only status HTTP API. Nothing here can
// mutate feature or safety state; command paths stay on the bus side.
package server

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rvguard/rvguard/internal/audit"
	"github.com/rvguard/rvguard/internal/deadline"
	"github.com/rvguard/rvguard/internal/manager"
	"github.com/rvguard/rvguard/internal/safety"
)

// Server is the rvguard status HTTP server.
type Server struct {
	mgr     *manager.Manager
	safety  *safety.Service
	monitor *deadline.Monitor
	trail   *audit.Trail
	logger  *slog.Logger
	router  chi.Router
	addr    string
	srv     *http.Server
}

// New creates a new status server.
func New(addr string, mgr *manager.Manager, svc *safety.Service, mon *deadline.Monitor, trail *audit.Trail, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mgr:     mgr,
		safety:  svc,
		monitor: mon,
		trail:   trail,
		logger:  logger.With("component", "server"),
		addr:    addr,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router = r
	s.registerRoutes(r)
	return s
}

func (s *Server) registerRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/safety", s.handleSafety)
		r.Get("/features", s.handleFeatures)
		r.Get("/features/{name}", s.handleFeature)
		r.Get("/violations", s.handleViolations)
		r.Get("/audit", s.handleAudit)
	})
	r.Mount("/debug/vars", expvar.Handler())
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. Blocks until the listener fails or is shut down.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.logger.Info("status server listening", "addr", s.addr)
	return s.srv.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}
