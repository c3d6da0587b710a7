// Package api is the client-facing HTTP surface: REST endpoints over the
// workspace manager, a websocket session protocol, and an SSE event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/sandpit/internal/auth"
	"github.com/mattjoyce/sandpit/internal/events"
	"github.com/mattjoyce/sandpit/internal/liveness"
	"github.com/mattjoyce/sandpit/internal/project"
	"github.com/mattjoyce/sandpit/internal/revision"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

// Workspaces is the workspace manager surface the API drives.
type Workspaces interface {
	Compile(ctx context.Context, req workspace.Request) (*workspace.Result, error)
	Dependencies(ctx context.Context, userID, version string) (project.PackageSet, error)
	SetDependencies(ctx context.Context, userID string, pkgs project.PackageSet) error
	BuildArtifact(userID string) (workspace.Artifact, bool)
	ReleaseAfter(userID string, owner liveness.Owner) error
	Release(ctx context.Context, userID string) error
	Snapshot() []workspace.Info
}

// Formatter pretty-prints source for a toolchain version.
type Formatter interface {
	Format(ctx context.Context, version, source string) (string, error)
}

// Revisions is the persistence collaborator. It may be nil, in which case
// the user and revision routes are not mounted.
type Revisions interface {
	CreateUser(ctx context.Context) (revision.User, error)
	GetUser(ctx context.Context, id string) (revision.User, error)
	CreateRevision(ctx context.Context, d revision.Draft) (revision.Revision, error)
	GetRevision(ctx context.Context, id string) (revision.Revision, error)
	ListRevisions(ctx context.Context, userID string, limit int) ([]revision.Revision, error)
}

// Metrics receives API-level observations.
type Metrics interface {
	ObserveFormat(result string)
	RateLimited()
	SessionOpened()
	SessionClosed()
	Handler() http.Handler
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// DefaultVersion applies when a request names no toolchain version.
	DefaultVersion string
	// CompileRate and CompileBurst bound compiles per user. A zero rate
	// disables the limit.
	CompileRate  rate.Limit
	CompileBurst int
	// LeaseTimeout is how long a heartbeat lease survives without renewal.
	LeaseTimeout time.Duration
}

const limiterCacheSize = 4096

// Server represents the HTTP API server
type Server struct {
	config     Config
	workspaces Workspaces
	formatter  Formatter
	revisions  Revisions
	events     *events.Hub
	metrics    Metrics
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time

	limiters *lru.Cache[string, *rate.Limiter]

	leaseMu sync.Mutex
	leases  map[string]*liveness.Heartbeat

	// closing is closed on shutdown to end websocket sessions, which
	// http.Server.Shutdown does not track.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new API server instance. formatter, revisions and metrics
// may be nil.
func New(config Config, ws Workspaces, formatter Formatter, revisions Revisions, hub *events.Hub, metrics Metrics, logger *slog.Logger) *Server {
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = 2 * time.Minute
	}
	if config.CompileBurst <= 0 {
		config.CompileBurst = 1
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	limiters, _ := lru.New[string, *rate.Limiter](limiterCacheSize)
	return &Server{
		config:     config,
		workspaces: ws,
		formatter:  formatter,
		revisions:  revisions,
		events:     hub,
		metrics:    metrics,
		logger:     logger,
		startedAt:  time.Now(),
		limiters:   limiters,
		leases:     make(map[string]*liveness.Heartbeat),
		closing:    make(chan struct{}),
	}
}

// Close ends websocket sessions and heartbeat leases.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.stopLeases()
	})
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Compiles may wait behind a queued request for the same user.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeWorkspacesRO)).Get("/workspaces", s.handleListWorkspaces)
		r.Route("/workspaces/{user}", func(r chi.Router) {
			r.With(s.requireScopes(auth.ScopeWorkspacesRW)).Get("/dependencies", s.handleGetDependencies)
			r.With(s.requireScopes(auth.ScopeWorkspacesRW)).Put("/dependencies", s.handleSetDependencies)
			r.With(s.requireScopes(auth.ScopeWorkspacesRW)).Post("/compile", s.handleCompile)
			r.With(s.requireScopes(auth.ScopeWorkspacesRO)).Get("/artifact", s.handleArtifact)
			r.With(s.requireScopes(auth.ScopeWorkspacesRW)).Put("/lease", s.handleLease)
			r.With(s.requireScopes(auth.ScopeWorkspacesRW)).Delete("/", s.handleRelease)
			r.With(s.requireScopes(auth.ScopeWorkspacesRW)).Get("/socket", s.handleSocket)
		})
		if s.formatter != nil {
			r.With(s.requireScopes(auth.ScopeWorkspacesRW)).Post("/format", s.handleFormat)
		}
		if s.revisions != nil {
			r.With(s.requireScopes(auth.ScopeRevisionsRW)).Post("/users", s.handleCreateUser)
			r.With(s.requireScopes(auth.ScopeRevisionsRO)).Get("/users/{id}", s.handleGetUser)
			r.With(s.requireScopes(auth.ScopeRevisionsRO)).Get("/users/{id}/revisions", s.handleListRevisions)
			r.With(s.requireScopes(auth.ScopeRevisionsRW)).Post("/revisions", s.handleCreateRevision)
			r.With(s.requireScopes(auth.ScopeRevisionsRO)).Get("/revisions/{id}", s.handleGetRevision)
		}
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
