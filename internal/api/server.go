package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/grant-scout/internal/grant"
	"github.com/JakeFAU/grant-scout/internal/metrics"
	"github.com/JakeFAU/grant-scout/internal/monitor"
)

const defaultRequestTimeout = 30 * time.Second

// Scheduler is the job control surface behind the trigger and status routes.
type Scheduler interface {
	TriggerSource(ctx context.Context, id string) (string, error)
	TriggerAll(ctx context.Context) ([]string, error)
	Running(sourceID string) bool
	Cancel(sourceID string) bool
}

// SourceAdmin changes operator status.
type SourceAdmin interface {
	SetStatus(ctx context.Context, id string, status grant.SourceStatus) error
}

// JobReader fetches single jobs.
type JobReader interface {
	GetJob(ctx context.Context, id string) (grant.Job, error)
}

// Monitor builds dashboard and status views.
type Monitor interface {
	Dashboard(ctx context.Context, window time.Duration) (monitor.Dashboard, error)
	Status(ctx context.Context, running func(sourceID string) bool) ([]monitor.SourceStatus, error)
}

// Deps are the collaborators of a Server.
type Deps struct {
	Scheduler Scheduler
	Sources   SourceAdmin
	Jobs      JobReader
	Monitor   Monitor
	// Ready reports whether downstream dependencies are reachable. Nil means
	// always ready.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the scheduler and read models.
type Server struct {
	router    chi.Router
	scheduler Scheduler
	sources   SourceAdmin
	jobs      JobReader
	monitor   Monitor
	ready     func(ctx context.Context) error
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A zero
// requestTimeout uses the default.
func NewServer(deps Deps, requestTimeout time.Duration) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	s := &Server{
		scheduler: deps.Scheduler,
		sources:   deps.Sources,
		jobs:      deps.Jobs,
		monitor:   deps.Monitor,
		ready:     deps.Ready,
		logger:    deps.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		r.Post("/trigger", s.trigger)
		r.Get("/status", s.status)
		r.Get("/dashboard", s.dashboard)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Put("/sources/{source_id}/status", s.setSourceStatus)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
