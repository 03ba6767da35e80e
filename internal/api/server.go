// Package api exposes the REST surface: task CRUD and transitions, queue
// inspection, audit trails, templates, and DAG runs.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v2"

	"github.com/taskgate-org/taskgate/internal/blockdag"
	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

// Server hosts the REST API.
type Server struct {
	store    *store.Store
	dags     *blockdag.Registry
	agent    blockdag.AgentFunc
	jsonLogs bool
	router   chi.Router
	http     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithDAGs serves DAG definitions and runs from the registry, executing
// blocks through agent.
func WithDAGs(reg *blockdag.Registry, agent blockdag.AgentFunc) Option {
	return func(s *Server) {
		s.dags = reg
		s.agent = agent
	}
}

// WithJSONLogs switches the request logger to JSON output.
func WithJSONLogs() Option {
	return func(s *Server) {
		s.jsonLogs = true
	}
}

// New builds the server and its routes.
func New(st *store.Store, opts ...Option) *Server {
	s := &Server{store: st}
	for _, opt := range opts {
		opt(s)
	}

	requestLogger := httplog.NewLogger("http", httplog.Options{
		LogLevel:         slog.LevelInfo,
		JSON:             s.jsonLogs,
		Concise:          true,
		MessageFieldName: "msg",
	})

	r := chi.NewMux()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(requestLogger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Patch("/", s.updateTask)
				r.Post("/transition", s.transitionTask)
				r.Post("/reorder", s.reorderTask)
				r.Get("/audit", s.listAudit)
				r.Get("/approvals", s.listApprovals)
			})
		})
		r.Get("/queue/next", s.queueNext)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.listTemplates)
			r.Put("/{name}", s.putTemplate)
			r.Get("/{name}", s.getTemplate)
			r.Delete("/{name}", s.deleteTemplate)
			r.Post("/{name}/instantiate", s.instantiateTemplate)
		})

		if s.dags != nil {
			r.Get("/dags", s.listDAGs)
			r.Post("/dags/{name}/runs", s.startRun)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{id}", s.getRun)
			r.Get("/runs/{id}/events", s.listRunEvents)
		}
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until the context is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	logger.Info(ctx, "api: listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// apiError is the uniform error envelope.
type apiError struct {
	Error string `json:"error"`
}

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), apiError{Error: err.Error()})
}

func statusFor(err error) int {
	var te *model.TransitionError
	switch {
	case errors.Is(err, model.ErrTaskNotFound),
		errors.Is(err, store.ErrTemplateNotFound),
		errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConcurrency), errors.Is(err, model.ErrLeaseExpired):
		return http.StatusConflict
	case errors.Is(err, store.ErrBadAnchor), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
