package proxy

import (
	"context"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/inconshreveable/log15"
)

// Server serves the relay handler on a listener supplied by the caller,
// typically one reconstructed from a handed-off descriptor.
type Server struct {
	http *http.Server
	l    log15.Logger
}

// NewServer wraps h in the proxy's router. Everything except the liveness
// endpoint is relayed.
func NewServer(l log15.Logger, h http.Handler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/-/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	r.Handle("/*", h)

	return &Server{
		http: &http.Server{Handler: r},
		l:    l,
	}
}

// Serve blocks serving ln until Shutdown or a listener error. A server
// closed by Shutdown reports nil.
func (s *Server) Serve(ln net.Listener) error {
	s.l.Info("serving proxy traffic", "addr", ln.Addr().String())
	err := s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.l.Info("shutting down proxy server")
	return s.http.Shutdown(ctx)
}
