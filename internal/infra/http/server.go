// Package http assembles the service's HTTP surface: the enforcement
// middleware chain, the admin override API and the operational
// endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openlimit/api/internal/config"
	"github.com/openlimit/api/pkg/logger"
)

// Server wraps the HTTP server with graceful shutdown and cleanup.
type Server struct {
	httpServer   *http.Server
	config       *config.Config
	logger       *logger.Logger
	cleanupFuncs []func()
}

// NewServer creates the HTTP server around an assembled router.
func NewServer(cfg *config.Config, log *logger.Logger, handler http.Handler, cleanup ...func()) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  time.Minute,
		},
		config:       cfg,
		logger:       log,
		cleanupFuncs: cleanup,
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.config.Server.Addr())

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server and runs registered
// cleanup functions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	for _, cleanup := range s.cleanupFuncs {
		cleanup()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
