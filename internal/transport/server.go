// Package transport exposes a worker over HTTP and lets workers reach each other through the
// same protocol.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/worker"
)

// HeaderWorkerID carries the id of the calling worker.
const HeaderWorkerID = "X-Worker-ID"

// Server is the HTTP front of a single worker.
type Server struct {
	worker  *worker.Worker
	metrics *metrics.Metrics
	logger  *zap.Logger
	addr    string
	timeout time.Duration
	server  *http.Server
}

// NewServer creates a server for w listening on host:port. m may be nil, in which case
// /metrics is not mounted.
func NewServer(w *worker.Worker, host string, port int, timeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Server{
		worker:  w,
		metrics: m,
		logger:  logger,
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: timeout,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/texts", s.handleRegisterText)
		r.Post("/states", s.handleDeployState)
		r.Get("/states/{pipeline}/{name}", s.handleFetchState)
		r.Post("/pipelines", s.handleDeployPipeline)
		r.Get("/pipelines/{name}", s.handleFetchPipeline)
		r.Post("/subpipelines", s.handleCreateSubpipeline)
		r.Post("/subpipelines/{id}/execute", s.handleExecute)
		r.Post("/objects/{id}/query", s.handleQuery)
		r.Post("/objects/{id}/take", s.handleTake)
		r.Delete("/objects/{id}", s.handleRelease)
		r.Get("/stats", s.handleStats)
	})
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting worker server", zap.String("addr", s.addr), zap.String("worker", s.worker.ID()))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("caller", r.Header.Get(HeaderWorkerID)),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
