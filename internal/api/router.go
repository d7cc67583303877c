// Package api exposes the scheduling engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"sftpsched/internal/core"
	"sftpsched/internal/history"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	scheduler  *core.Scheduler
	history    *history.History
	logger     *slog.Logger
	authToken  string
}

// NewServer constructs the HTTP API server. history may be nil when no run
// history is kept; the run endpoints then answer 404.
func NewServer(addr, authToken string, scheduler *core.Scheduler, hist *history.History, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		scheduler: scheduler,
		history:   hist,
		logger:    logger,
		authToken: authToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Get("/runs", s.handleListRuns)
			})
		})

		r.Route("/runs", func(r chi.Router) {
			r.Get("/{runID}", s.handleGetRun)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", s.handleSchedulerStatus)
			r.Post("/start", s.handleSchedulerStart)
			r.Post("/stop", s.handleSchedulerStop)
		})
	})
}
