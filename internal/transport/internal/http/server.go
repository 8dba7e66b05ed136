// Package http provides the HTTP server and error responses for the transport layer.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jamesprial/sockroute/internal/config"
	"github.com/jamesprial/sockroute/internal/transport/transportcore"
)

// defaultShutdownWait bounds Shutdown when the caller's context has no deadline.
const defaultShutdownWait = 30 * time.Second

// ServerOptions configures the shutdown sequence of a server.
type ServerOptions struct {
	// Drain waits for upgraded connections, which http.Server does not
	// track once hijacked. It runs after http.Server.Shutdown returns.
	Drain func(ctx context.Context) error

	// Release runs last on every Shutdown, whatever the outcome.
	Release func()

	// Logger receives shutdown progress. Nil uses slog.Default().
	Logger *slog.Logger
}

// server implements transportcore.Server using net/http.Server.
type server struct {
	httpServer *http.Server
	drain      func(ctx context.Context) error
	release    func()
	logger     *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	closed   bool
}

// NewHTTPServer creates an http.Server with the timeouts from cfg. The
// caller sets Handler.
func NewHTTPServer(cfg *config.Config) *http.Server {
	if cfg == nil {
		panic("config cannot be nil")
	}

	return &http.Server{
		Addr:         cfg.Addr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// NewServer wraps httpServer with a lifecycle that also drains upgraded
// connections on shutdown.
func NewServer(httpServer *http.Server, opts ServerOptions) transportcore.Server {
	if httpServer == nil {
		panic("http server cannot be nil")
	}
	if httpServer.Handler == nil {
		panic("handler cannot be nil")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &server{
		httpServer: httpServer,
		drain:      opts.Drain,
		release:    opts.Release,
		logger:     logger,
	}
}

// Start begins serving HTTP requests on the configured address.
// This is a blocking call that returns when the server stops or encounters an error.
// A server that was shut down cannot be started again.
func (s *server) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transportcore.ErrServerClosed
	}
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create listener: %w", err)
	}
	s.listener = listener
	s.mu.Unlock()

	if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops accepting connections, waits for in-flight requests and
// then for upgraded connections to close, or for ctx to expire.
func (s *server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	if s.release != nil {
		defer s.release()
	}

	// Set a reasonable deadline if the context doesn't have one
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultShutdownWait)
		defer cancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	if s.drain == nil {
		return nil
	}
	s.logger.Info("waiting for upgraded connections to close")
	if err := s.drain(ctx); err != nil {
		return fmt.Errorf("drain upgraded connections: %w", err)
	}

	return nil
}

// Addr returns the address the server is listening on.
// This is useful when the server is configured to bind to a random port (":0").
func (s *server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}
