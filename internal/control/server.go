// Package control exposes a running batch over HTTP so it can be watched
// and stopped from outside the terminal.
package control

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/mailbatch/internal/batch"
	"github.com/foxzi/mailbatch/internal/config"
	"github.com/foxzi/mailbatch/internal/history"
	"github.com/foxzi/mailbatch/internal/metrics"
	"github.com/foxzi/mailbatch/internal/notify"
	"github.com/foxzi/mailbatch/internal/quota"
	"github.com/foxzi/mailbatch/internal/template"
)

// Batch is the orchestrator as seen by the API
type Batch interface {
	Status() batch.Status
	Stop() bool
}

// Notices is the notification board as seen by the API
type Notices interface {
	Current() (notify.Notice, bool)
	Recent() []notify.Notice
}

// History is the run store as seen by the API
type History interface {
	List(ctx context.Context, filter history.ListFilter) ([]*history.Run, error)
	Get(ctx context.Context, id string) (*history.Run, error)
	Stats(ctx context.Context) (*history.Stats, error)
}

// Templates lists the loaded templates
type Templates interface {
	All() []*template.Template
}

// Quota reports send quota counters
type Quota interface {
	GetStats(ctx context.Context, level quota.Level, key string) (*quota.Stats, error)
}

// Options are the collaborators served by the API. Nil History,
// Templates or Quota disable their routes.
type Options struct {
	Batch     Batch
	Notices   Notices
	History   History
	Templates Templates
	Quota     Quota
	Version   string
}

// Server is the HTTP control API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	opts       Options
	config     *config.ControlConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new control API server
func NewServer(opts Options, cfg *config.ControlConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		router:    chi.NewRouter(),
		opts:      opts,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(metrics.HTTPMiddleware)

		r.Get("/status", s.handleStatus)
		r.Post("/stop", s.handleStop)
		r.Get("/notices", s.handleNotices)

		if s.opts.History != nil {
			r.Get("/history", s.handleHistory)
			r.Get("/history/{id}", s.handleRun)
		}
		if s.opts.Templates != nil {
			r.Get("/templates", s.handleTemplates)
		}
		if s.opts.Quota != nil {
			r.Get("/quota", s.handleQuota)
		}
	})
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting control API server", "addr", s.config.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down control API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
