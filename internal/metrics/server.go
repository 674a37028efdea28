package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"splittunnel-engine/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// Server serves a Prometheus /metrics endpoint over an arbitrary
// net.Listener (usually a loopback TCP listener), optional and
// entirely separate from the Named Pipe control surface.
type Server struct {
	http *http.Server
	reg  *prometheus.Registry
	log  *logging.Logger
}

// NewServer builds a metrics HTTP server with its own registry, so a
// failed or duplicate registration elsewhere in the process can never
// collide with these metrics.
func NewServer(collector *Collector, log *logging.Logger) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &Server{
		http: &http.Server{Handler: mux},
		reg:  reg,
		log:  log,
	}
}

// Serve blocks, accepting connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Infof("Metrics", "serving /metrics on %s", ln.Addr())
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe opens a TCP listener on addr and serves /metrics on
// it until Stop is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	return s.Serve(ln)
}

// Stop gracefully shuts the server down, forcing a hard close if it
// doesn't drain within shutdownTimeout.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.log.Warnf("Metrics", "graceful shutdown failed, closing: %v", err)
		s.http.Close()
	}
}
