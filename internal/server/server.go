package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/regentlabs/regent/api"
	"github.com/regentlabs/regent/internal/autonomy"
	"github.com/regentlabs/regent/internal/breaker"
	"github.com/regentlabs/regent/internal/gate"
	"github.com/regentlabs/regent/internal/ratelimit"
	"github.com/regentlabs/regent/internal/scheduler"
	"github.com/regentlabs/regent/internal/tower"
)

// Pinger reports backing-store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the subsystems the HTTP surface exposes.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Engine    *tower.Engine
	Gate      *gate.Gate
	Loop      *autonomy.Loop
	Breakers  *breaker.Registry
	DB        Pinger
	Version   string
	// RateLimiter is applied per client IP to /v1 routes. Nil disables it.
	RateLimiter ratelimit.Limiter
}

// Server is the HTTP API server.
type Server struct {
	deps       Deps
	logger     *slog.Logger
	httpServer *http.Server
}

// New assembles the server with its full middleware chain.
func New(port int, deps Deps, logger *slog.Logger) *Server {
	s := &Server{deps: deps, logger: logger}

	mux := http.NewServeMux()
	s.routes(mux)

	var inner http.Handler = mux
	if deps.RateLimiter != nil {
		keyFunc := func(r *http.Request) string {
			if r.URL.Path == "/health" || r.URL.Path == "/openapi.yaml" {
				return ""
			}
			return ratelimit.IPKeyFunc(r)
		}
		inner = ratelimit.Middleware(deps.RateLimiter, keyFunc, RequestIDFromRequest)(inner)
	}

	handler := requestIDMiddleware(
		tracingMiddleware(
			loggingMiddleware(logger,
				recoveryMiddleware(logger, inner))))

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /openapi.yaml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(api.OpenAPISpec)
	})

	mux.HandleFunc("POST /v1/jobs", s.handleRegisterJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("POST /v1/jobs/{job_id}/enable", s.handleEnableJob)
	mux.HandleFunc("POST /v1/jobs/{job_id}/disable", s.handleDisableJob)

	mux.HandleFunc("GET /v1/dlq", s.handleListDLQ)
	mux.HandleFunc("POST /v1/dlq/purge", s.handlePurgeDLQ)
	mux.HandleFunc("POST /v1/dlq/{entry_id}/replay", s.handleReplayDLQ)

	mux.HandleFunc("POST /v1/runs", s.handleStartRun)
	mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", s.handleCancelRun)

	mux.HandleFunc("GET /v1/tickets", s.handleListTickets)
	mux.HandleFunc("POST /v1/tickets/{ticket_id}/decide", s.handleDecideTicket)

	mux.HandleFunc("POST /v1/gate/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /v1/gate/decisions", s.handleListDecisions)

	mux.HandleFunc("GET /v1/autonomy", s.handleAutonomyStatus)
	mux.HandleFunc("POST /v1/autonomy/pause", s.handleAutonomyPause)
	mux.HandleFunc("POST /v1/autonomy/resume", s.handleAutonomyResume)
	mux.HandleFunc("POST /v1/autonomy/queue", s.handleAutonomyEnqueue)
	mux.HandleFunc("POST /v1/autonomy/queue/clear", s.handleAutonomyClearQueue)
	mux.HandleFunc("GET /v1/autonomy/audit", s.handleAutonomyAudit)

	mux.HandleFunc("GET /v1/breakers", s.handleListBreakers)
}

// Handler exposes the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
