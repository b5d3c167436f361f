// Package httpx holds the HTTP plumbing shared by every VX11 service: server
// lifecycle, middleware, the JSON envelope and the internal client.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server wraps an http.Server with the standard middleware stack.
type Server struct {
	name   string
	server *http.Server
	ln     net.Listener
}

// NewServer creates a server for the named service. Extra middleware is
// applied inside the standard stack, closest to the handler.
func NewServer(name, addr string, h http.Handler, mw ...func(http.Handler) http.Handler) *Server {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return &Server{
		name: name,
		server: &http.Server{
			Addr:         addr,
			Handler:      SecurityHeadersMiddleware(RequestIDMiddleware(RecoveryMiddleware(LoggingMiddleware(h)))),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Listen binds the listener ahead of Run so callers can learn the bound
// address (useful with port 0).
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.server.Addr
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	slog.Info("HTTP server starting", "service", s.name, "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("HTTP server shutting down", "service", s.name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
