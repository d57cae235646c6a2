package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server runs the HTTP surface.
type Server struct {
	logger zerolog.Logger
	server *http.Server
}

// NewServer builds the server with all routes registered.
func NewServer(handler *Handler, port int, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &Server{
		logger: logger.With().Str("component", "api_server").Logger(),
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start verifies the port binds and then serves in the background.
func (s *Server) Start() error {
	startupChan := make(chan error, 1)

	go func() {
		ln, err := net.Listen("tcp", s.server.Addr)
		if err != nil {
			startupChan <- fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
			return
		}
		startupChan <- nil

		err = s.server.Serve(ln)
		switch err {
		case nil, http.ErrServerClosed:
			s.logger.Info().Msg("api server closed")
		default:
			s.logger.Error().Err(err).Msg("api server error")
		}
	}()

	select {
	case err := <-startupChan:
		if err != nil {
			return err
		}
		s.logger.Info().Str("addr", s.server.Addr).Msg("api server listening")
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server startup timeout")
	}
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
