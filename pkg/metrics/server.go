package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server exposes /metrics and /health while a backup runs.
type Server struct {
	addr     string
	http     *http.Server
	running  atomic.Bool
	finished atomic.Bool
	logger   zerolog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string) *Server {
	s := &Server{
		addr:   addr,
		logger: log.With().Str("component", "metrics").Logger(),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           NewRouter(Gatherer, s.status),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// MarkRunning flags the backup as started.
func (s *Server) MarkRunning() {
	s.running.Store(true)
}

// MarkFinished flags the backup as finished.
func (s *Server) MarkFinished() {
	s.finished.Store(true)
}

func (s *Server) status() string {
	switch {
	case s.finished.Load():
		return "finished"
	case s.running.Load():
		return "running"
	default:
		return "starting"
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Metrics server started")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	s.logger.Info().Msg("Metrics server stopped")
	return nil
}

// NewRouter builds the chi router serving gatherer on /metrics and the
// backup status on /health.
func NewRouter(gatherer prometheus.Gatherer, status func() string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(status))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

func healthHandler(status func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK %s", status())
	}
}
