// Package gateway assembles and runs the HTTP front of the engine: webhook
// ingress, the upload/file surface, health and metrics, behind the trace and
// span middleware.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/cadence/internal/clock"
	"github.com/nextlevelbuilder/cadence/internal/config"
	"github.com/nextlevelbuilder/cadence/internal/files"
	httpapi "github.com/nextlevelbuilder/cadence/internal/http"
	"github.com/nextlevelbuilder/cadence/internal/metrics"
)

// Server is the engine's HTTP server.
type Server struct {
	cfg     *config.Config
	uploads *files.Store
	m       *metrics.Metrics
	sink    httpapi.UpdateSink
	clk     clock.Clock
	tracer  trace.Tracer

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, uploads *files.Store, m *metrics.Metrics, sink httpapi.UpdateSink, clk clock.Clock, tracer trace.Tracer) *Server {
	return &Server{
		cfg:     cfg,
		uploads: uploads,
		m:       m,
		sink:    sink,
		clk:     clk,
		tracer:  tracer,
	}
}

// BuildMux creates and caches the mux with all routes registered. Exposed
// separately from Start so tests can drive it through httptest.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", s.m.Handler())

	httpapi.NewFilesHandler(s.uploads).RegisterRoutes(mux)

	if s.sink != nil {
		limiter := httpapi.NewRateLimiter(s.clk)
		httpapi.NewWebhookHandler(s.cfg.Telegram.WebhookSecret, s.sink, limiter).RegisterRoutes(mux)
	}

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled, then shuts the
// server down gracefully.
func (s *Server) Start(ctx context.Context) error {
	var handler http.Handler = s.BuildMux()
	if s.tracer != nil {
		handler = httpapi.SpanMiddleware(s.tracer, handler)
	}
	handler = httpapi.TraceMiddleware(handler)

	addr := fmt.Sprintf("%s:%d", s.cfg.App.Host, s.cfg.App.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	slog.Info("http server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}
