// Package core provides the API chassis for the FolioBase billing service:
// a chi router with the cross-cutting middleware chain (panic recovery,
// request correlation, structured logging) and the shared response helpers,
// applied before requests reach the domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"foliobase/internal/config"
)

// Pinger reports storage connectivity for the health endpoint. Satisfied by
// *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouteRegistrar mounts a group of domain handler routes onto the router.
// Registrars are populated by the application entry point; the indirection
// avoids import cycles between core and the handler packages.
type RouteRegistrar func(r chi.Router)

// Server bundles the dependencies of the HTTP surface.
type Server struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         Pinger
	Registrars []RouteRegistrar

	router *chi.Mux
}

// NewServer validates dependencies and prepares the router. The caller
// mounts routes via MountRoutes after construction.
func NewServer(cfg *config.Config, db Pinger, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		DB:     db,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests and route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain, the versioned API
// groups, and the health endpoint. Middleware order matters: Recoverer is
// outermost so every panic is caught, RequestID runs before the logger so
// log lines carry the correlation id.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.Registrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}
