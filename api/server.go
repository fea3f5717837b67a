// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP front end. It is a stateless protocol
// adapter: it resolves the session id, delegates to the registry,
// executor, gateway, and installer, and maps fault kinds to HTTP
// status codes. All sandbox state lives behind those components.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server serves the controller API on a TCP listener, with graceful
// shutdown: on context cancellation it stops accepting connections
// and waits for in-flight requests to drain.
type Server struct {
	address string
	handler http.Handler
	logger  *slog.Logger

	// shutdownTimeout bounds the drain after the context is
	// cancelled.
	shutdownTimeout time.Duration

	// ready is closed once the listener is bound and the server is
	// accepting connections.
	ready chan struct{}

	// addr is the resolved listen address, valid after ready is
	// closed. With a ":0" configured address it carries the
	// OS-assigned port.
	addr net.Addr
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Address is the TCP listen address (e.g. ":8080"). Required.
	Address string

	// Handler is the API handler. Required.
	Handler http.Handler

	// ShutdownTimeout is the in-flight request drain bound.
	// Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// NewServer creates a server. Call Serve to start accepting
// connections.
func NewServer(config ServerConfig) *Server {
	if config.Address == "" {
		panic("api: Address is required")
	}
	if config.Handler == nil {
		panic("api: Handler is required")
	}
	if config.Logger == nil {
		panic("api: Logger is required")
	}

	timeout := config.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		address:         config.Address,
		handler:         config.Handler,
		logger:          config.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the server is bound
// and accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready
// is closed.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Serve accepts connections until ctx is cancelled, then drains
// in-flight requests for up to ShutdownTimeout.
func (s *Server) Serve(ctx context.Context) error {
	// Bind before signalling readiness so Addr is valid when the
	// ready channel closes.
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler: s.handler,

		// Execute requests legitimately run as long as the command
		// timeout allows, so the write timeout stays generous.
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      15 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("api server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("api server shutdown error", "error", err)
		return fmt.Errorf("api server shutdown: %w", err)
	}

	s.logger.Info("api server stopped")
	return nil
}
