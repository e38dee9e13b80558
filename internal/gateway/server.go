// Package gateway exposes the bridge over HTTP with an OpenAI-style
// chat completions surface.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/rixdale/chainbridge"
)

type Server struct {
	bridge *chainbridge.Bridge
	model  string
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer wires the bridge behind the HTTP surface. model is the
// backend model reported when the client omits one.
func NewServer(bridge *chainbridge.Bridge, model string, logger *slog.Logger) *Server {
	s := &Server{
		bridge: bridge,
		model:  model,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
}

// Handler returns the routing handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
