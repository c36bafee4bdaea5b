package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stepflow/internal/eventbus"
	"stepflow/internal/metrics"
	"stepflow/internal/orchestrator"
)

// HTTPServer represents the HTTP API server
type HTTPServer struct {
	router  chi.Router
	api     chi.Router
	facade  *orchestrator.Facade
	tokens  []string
	version string

	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures an HTTPServer.
type Option func(*HTTPServer)

// WithMetrics records request metrics and serves gatherer on /metrics.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *HTTPServer) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *HTTPServer) { s.logger = l }
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(f *orchestrator.Facade, tokens []string, version string, opts ...Option) *HTTPServer {
	s := &HTTPServer{
		facade:  f,
		tokens:  tokens,
		version: version,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "http")

	s.registerRoutes()
	return s
}

// registerRoutes sets up all HTTP routes with middleware
func (s *HTTPServer) registerRoutes() {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(s.metricsMiddleware)

	// Health check and metrics (no auth required)
	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Handle("/ws", eventbus.NewGateway(s.facade.Bus(), s.logger))

		r.Group(func(r chi.Router) {
			r.Use(jsonContentTypeMiddleware)

			r.Get("/templates", s.handleListTemplates)
			r.Get("/templates/{name}", s.handleGetTemplate)

			r.Post("/runs", s.handleCreateRun)
			r.Get("/runs/{runId}", s.handleGetRun)
			r.Get("/steps/{runId}", s.handleListSteps)

			r.Route("/step", func(r chi.Router) {
				r.Post("/start", s.handleStartStep)
				r.Post("/approve", s.handleStepTransition(s.facade.ApproveStep))
				r.Post("/reject", s.handleStepTransition(s.facade.RejectStep))
				r.Post("/revision", s.handleStepTransition(s.facade.RequestRevision))
				r.Post("/resubmit", s.handleStepTransition(s.facade.ResubmitStep))
				r.Post("/message", s.handleStepMessage)
			})

			r.Route("/task-management", func(r chi.Router) {
				r.Get("/step-status/{stepId}", s.handleStepStatus)
				r.Get("/collaboration-status/{taskId}", s.handleCollaborationStatus)
				r.Post("/tasks/{taskId}/progress", s.handleTaskProgress)
				r.Post("/tasks/{taskId}/cancel", s.handleCancelTask)

				r.Route("/collaboration/{taskId}", func(r chi.Router) {
					r.Post("/start", s.handleChainOp(s.facade.StartChain))
					r.Post("/begin", s.handleChainOp(s.facade.BeginLink))
					r.Post("/progress", s.handleChainOp(s.facade.ReportLinkProgress))
					r.Post("/advance", s.handleChainOp(s.facade.AdvanceChain))
					r.Post("/unblock", s.handleChainOp(s.facade.UnblockChain))
					r.Post("/handoff", s.handleChainOp(s.facade.RecordHandoffNote))
				})
			})
		})

		s.api = r
	})

	s.router = r
}

// Handle mounts an authenticated handler, e.g. the MCP endpoint.
func (s *HTTPServer) Handle(pattern string, h http.Handler) {
	s.api.Handle(pattern, h)
}

// ServeHTTP implements http.Handler.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	s.logger.Info("Starting server", "addr", addr, "tokens", len(s.tokens))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Server stopped")
	return nil
}
