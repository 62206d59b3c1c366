// Package api exposes the gateway's HTTP surface: the streaming file
// endpoints, prefix and quota management, websocket change notifications, and
// the operational endpoints (/health, /metrics).
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/api/handlers"
)

// Server is the gateway HTTP server. It is created stopped; Start blocks
// until the context is cancelled.
type Server struct {
	server       *http.Server
	config       APIConfig
	shutdownOnce sync.Once
}

// NewServer creates the HTTP server around the wired handler dependencies.
func NewServer(config APIConfig, deps handlers.Deps) *Server {
	config.applyDefaults()
	deps.MaxBodySize = config.MaxBodySize.Int64()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      NewRouter(deps),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return &Server{server: server, config: config}
}

// Start serves requests until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "port", s.config.Port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("gateway shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("gateway failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		logger.Info("stopping gateway")
		err = s.server.Shutdown(ctx)
	})
	return err
}
