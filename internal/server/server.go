// Package server implements the command protocol over HTTP, backed by the
// in-process cache tier. Running it lets one process act as the shared
// remote tier for any number of cache clients.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"tiercache/internal/cache"
	"tiercache/internal/config"
)

// Server represents the command-protocol server.
type Server struct {
	cfg        *config.Config
	store      *store
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if cfg.Server == nil {
		return nil, fmt.Errorf("server is not configured")
	}

	memory, err := cache.NewMemory(cache.Config{
		MaxEntries:    cfg.Memory.MaxEntries,
		TTL:           cfg.GetRemoteTTLDuration(),
		SweepInterval: cfg.GetSweepIntervalDuration(),
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	return &Server{
		cfg:    cfg,
		store:  newStore(memory),
		logger: logger.With().Str("component", "server").Logger(),
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      newHandler(s.store, s.cfg.Server.Token, s.logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting command server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("command server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down command server...")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.store.Close()

	if err != nil {
		return fmt.Errorf("command server shutdown error: %w", err)
	}

	s.logger.Info().Msg("command server stopped")
	return nil
}
