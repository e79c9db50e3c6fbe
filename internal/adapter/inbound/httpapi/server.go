package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps one tier's HTTP listener: application routes plus the
// shared /healthz and /metrics endpoints, metrics middleware, and
// graceful shutdown.
type Server struct {
	addr    string
	handler http.Handler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer assembles the final handler for a tier. The registry must be
// the one the tier's Metrics were created with.
func NewServer(addr string, routes http.Handler, metrics *Metrics, reg *prometheus.Registry, health *HealthChecker, logger *slog.Logger) *Server {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/", routes)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if health != nil {
		mux.Handle("GET /healthz", health.Handler())
	}

	return &Server{
		addr:    addr,
		handler: MetricsMiddleware(metrics)(mux),
		logger:  logger,
	}
}

// Start serves until the context is cancelled, then shuts down
// gracefully. It blocks and returns the first fatal listener error.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http shutdown failed", "error", err)
		}
		return <-errCh
	}
}
