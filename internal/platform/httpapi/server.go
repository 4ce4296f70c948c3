package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"agroflow/internal/platform/observability"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Health is the body of GET /health.
type Health struct {
	Service   string    `json:"service"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRouter returns a chi router with the common middleware and /health.
func NewRouter(serviceName string) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.StripSlashes)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_ = WriteJSON(w, http.StatusOK, Health{
			Service:   serviceName,
			Status:    "OK",
			Timestamp: time.Now().UTC(),
		})
	})
	return router
}

// Server is an instrumented HTTP server.
type Server struct {
	srv    *http.Server
	logger observability.Logger
}

// NewServer wraps handler with OpenTelemetry instrumentation.
func NewServer(ctx context.Context, addr, serviceName string, handler http.Handler, logger observability.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			BaseContext:       func(_ net.Listener) context.Context { return ctx },
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			Handler:           otelhttp.NewHandler(handler, serviceName+"-http"),
		},
		logger: logger,
	}
}

// Run serves until ctx is done, then drains in-flight requests within
// shutdownTimeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("address", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutdown signal received, draining HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server graceful shutdown failed: %w", err)
	}
	s.logger.Info("HTTP server shutdown complete.")
	return nil
}
