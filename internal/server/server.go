// Package server exposes the orchestrator over HTTP: task submission and
// cancellation, workflow status, oversight decisions, circuit inspection and
// prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ShayCichocki/relay/internal/logging"
	"github.com/ShayCichocki/relay/internal/orchestrator"
	"github.com/ShayCichocki/relay/internal/state"
)

// Server routes HTTP requests to the orchestrator.
type Server struct {
	router   *chi.Mux
	orch     *orchestrator.Orchestrator
	tasks    state.TaskStore
	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithTaskStore lets task lookups fall back to the ledger for tasks that
// have aged out of the orchestrator's in-memory history.
func WithTaskStore(ts state.TaskStore) Option {
	return func(s *Server) { s.tasks = ts }
}

// WithGatherer serves /metrics from g.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New creates a server for orch.
func New(orch *orchestrator.Orchestrator, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		orch:   orch,
		logger: logging.OrNop(logger).Named("server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.submitTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Delete("/", s.cancelTask)
			})
		})

		r.Route("/oversight", func(r chi.Router) {
			r.Get("/", s.listPending)
			r.Get("/history", s.oversightHistory)
			r.Post("/{id}/decision", s.decide)
		})

		r.Route("/circuits", func(r chi.Router) {
			r.Get("/", s.listCircuits)
			r.Post("/{agentType}/reset", s.resetCircuit)
		})

		r.Route("/deployments", func(r chi.Router) {
			r.Get("/", s.listDeployments)
			r.Get("/stats", s.deploymentStats)
		})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.announceApprovals(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	}
}

// announceApprovals logs every oversight request that is waiting on a human,
// with the endpoint that decides it.
func (s *Server) announceApprovals(ctx context.Context) {
	requests := s.orch.Broker().Requests()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			s.logger.Warn("approval required",
				zap.String("request_id", req.ID),
				zap.String("operation", string(req.Operation)),
				zap.String("severity", req.Severity.String()),
				zap.Float64("value", req.Value),
				zap.Time("expires", req.Deadline()),
				zap.String("decide", "POST /v1/oversight/"+req.ID+"/decision"))
		}
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}
