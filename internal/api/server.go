// Package api serves the HTTP surface of flux: the webhook receiver, build
// inspection, live logs and the event stream, all on one listener.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/flux/internal/api/middleware"
	"github.com/mattjoyce/flux/internal/auth"
	"github.com/mattjoyce/flux/internal/events"
	"github.com/mattjoyce/flux/internal/queue"
	"github.com/mattjoyce/flux/internal/store"
)

// BuildQueue admits builds and reports its load.
type BuildQueue interface {
	Enqueue(ctx context.Context, repo store.Repository, meta store.PushMetadata) (store.Build, error)
	Stats() queue.Stats
}

// RepositoryStore reads registered repositories.
type RepositoryStore interface {
	List(ctx context.Context) ([]store.Repository, error)
	GetByFullName(ctx context.Context, owner, name string) (store.Repository, error)
}

// BuildStore reads build records.
type BuildStore interface {
	ListByRepository(ctx context.Context, repoID string, limit int) ([]store.Build, error)
	GetByNumber(ctx context.Context, repoID string, num int64) (store.Build, error)
}

// UserStore resolves and authenticates users.
type UserStore interface {
	Get(ctx context.Context, name string) (store.User, error)
	Authenticate(ctx context.Context, name, password string) (store.User, error)
}

// LogLocator maps a build onto its log file.
type LogLocator interface {
	LogPath(owner, repo string, num int64) (string, error)
}

// Database hands out request sessions and answers health checks.
type Database interface {
	Acquire(ctx context.Context) (*store.Session, error)
	Ping(ctx context.Context) error
}

// Routable is anything that registers its own routes, like the webhook
// receiver.
type Routable interface {
	Routes(r chi.Router)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey admits tools to /events; empty means sessions only.
	APIKey string
	// TailInterval is how often a live log tail polls for new output.
	TailInterval time.Duration
}

// Deps are the collaborators the server is wired to.
type Deps struct {
	Repositories RepositoryStore
	Builds       BuildStore
	Users        UserStore
	Queue        BuildQueue
	Logs         LogLocator
	Hub          *events.Hub
	Sessions     *auth.Sessions
	Database     Database
	Webhook      Routable
}

// Server represents the HTTP server.
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.TailInterval <= 0 {
		config.TailInterval = 500 * time.Millisecond
	}
	if deps.Hub == nil {
		deps.Hub = events.NewHub(256)
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("http server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	// Streams hold their connection open; they do not pin a db session.
	r.With(auth.RequireUserOrKey(s.deps.Sessions, s.deps.Users, s.config.APIKey)).Get("/events", s.handleEvents)
	r.With(auth.RequireUser(s.deps.Sessions, s.deps.Users)).Get("/repos/{owner}/{name}/builds/{num}/log/ws", s.handleLogTail)

	r.Group(func(r chi.Router) {
		if s.deps.Database != nil {
			r.Use(middleware.DBSession(s.deps.Database))
		}

		if s.deps.Webhook != nil {
			s.deps.Webhook.Routes(r)
		}
		r.Get(auth.LoginPath, s.handleLoginForm)
		r.Post(auth.LoginPath, s.handleLogin)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireUser(s.deps.Sessions, s.deps.Users))
			r.Get("/repos", s.handleListRepos)
			r.Get("/repos/{owner}/{name}/builds", s.handleListBuilds)
			r.Method(http.MethodPost, "/repos/{owner}/{name}/builds", middleware.LogResponse(s.handleTrigger))
			r.Get("/repos/{owner}/{name}/builds/{num}", s.handleGetBuild)
			r.Get("/repos/{owner}/{name}/builds/{num}/log", s.handleDownloadLog)
		})
	})

	return r
}
