package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Server is the admin HTTP listener.
type Server struct {
	http     *http.Server
	listener net.Listener
}

// NewServer builds the admin server on addr.
func NewServer(addr string, handlers *AdminHandlers) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.http.Addr, err)
	}
	s.listener = ln

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()
	log.Info().Str("address", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address, useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to timeout for requests in flight.
func (s *Server) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin server shutdown")
	}
}
