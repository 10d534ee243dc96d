// Package web provides the HTTP API for submitting and watching load jobs.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/dataload/internal/pipeline"
	"github.com/JonMunkholm/dataload/internal/progress"
	"github.com/JonMunkholm/dataload/internal/scheduler"
	mw "github.com/JonMunkholm/dataload/internal/web/middleware"
)

// JobService is the part of the scheduler the API drives.
type JobService interface {
	Submit(ctx context.Context, job pipeline.Job) (scheduler.Status, error)
	Cancel(id string) error
	Status(id string) (scheduler.Status, error)
	List() []scheduler.Status
	Limiter() scheduler.LimiterStatus
}

// JobHistory looks up jobs the scheduler no longer holds, e.g. from before
// a restart.
type JobHistory interface {
	GetJob(ctx context.Context, id string) (pipeline.State, error)
}

type ErrorLister interface {
	ListErrors(ctx context.Context, jobID string, limit, offset int) ([]pipeline.ErrorRecord, error)
}

type Previewer interface {
	Preview(ctx context.Context, job pipeline.Job) (*pipeline.PreviewResult, error)
}

// FileRegistry records uploaded files.
type FileRegistry interface {
	RegisterFile(ctx context.Context, id, filename, fileType string) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the API. Everything but Jobs and
// Previewer is optional.
type Deps struct {
	Jobs      JobService
	Previewer Previewer
	History   JobHistory
	Errors    ErrorLister
	Files     FileRegistry
	Progress  *progress.Tracker
	DB        Pinger
	Metrics   http.Handler
}

// Options tunes the server.
type Options struct {
	UploadDir      string
	MaxUploadSize  int64
	RequestTimeout time.Duration
	TrustedProxies []string

	// RateLimit is requests per minute per client on /api. Zero disables it.
	RateLimit int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server is the HTTP server for the load API.
type Server struct {
	deps    Deps
	opts    Options
	router  *chi.Mux
	limiter *rateLimiter
	server  *http.Server
}

// NewServer creates a new Server instance.
func NewServer(deps Deps, opts Options) *Server {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 100 << 20
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	s := &Server{
		deps:   deps,
		opts:   opts,
		router: chi.NewRouter(),
	}
	if opts.RateLimit > 0 {
		s.limiter = newRateLimiter(opts.RateLimit, time.Minute)
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.opts.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}

	s.router.Route("/api", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.middleware)
		}

		// Progress streams stay open for the life of the job.
		r.Get("/jobs/{jobID}/events", s.handleJobEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.opts.RequestTimeout))

			r.Post("/jobs", s.handleSubmitJob)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Post("/jobs/{jobID}/cancel", s.handleCancelJob)
			r.Get("/jobs/{jobID}/errors", s.handleListErrors)

			r.Post("/files/inspect", s.handleInspect)
			r.Post("/files/preview", s.handlePreview)

			r.Get("/workers", s.handleWorkers)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.stop()
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.Ping(ctx); err != nil {
			s.respondError(w, r, err, http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Jobs.Limiter())
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
