// Package api exposes the Respite engine over HTTP: rule and preference
// management, context ingestion, tick sessions, and user actions on pending
// interventions.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/BTreeMap/Respite/internal/models"
	"github.com/BTreeMap/Respite/internal/store"
	"github.com/BTreeMap/Respite/internal/usercontext"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Option defines a function that configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// Sessions controls per-user tick sessions.
type Sessions interface {
	StartUser(userID string) bool
	StopUser(userID string) bool
	HasSession(userID string) bool
	Sessions() []string
	TickNow(ctx context.Context, userID string) (*engine.TickReport, error)
}

// Actions applies user actions to interventions.
type Actions interface {
	Snooze(ctx context.Context, userID, subjectKey string, minutes int, now time.Time) ([]models.InterventionState, error)
	Dismiss(ctx context.Context, userID, subjectKey string, now time.Time) ([]models.InterventionState, error)
}

// ContextSink accepts context pushed by clients.
type ContextSink interface {
	Apply(userID string, u usercontext.Update, now time.Time)
}

// Inbox lists in-app commands.
type Inbox interface {
	List(userID string, limit int) []models.DeliveryCommand
}

// Deps are the components the server routes to. Metrics may be nil.
type Deps struct {
	Store    store.Store
	Actions  Actions
	Sessions Sessions
	Context  ContextSink
	Inbox    Inbox
	Metrics  http.Handler
}

// Server is the HTTP front end.
type Server struct {
	opts  Opts
	deps  Deps
	mux   *http.ServeMux
	clock func() time.Time
}

// NewServer validates deps and registers routes.
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	if deps.Store == nil || deps.Actions == nil || deps.Sessions == nil || deps.Context == nil || deps.Inbox == nil {
		return nil, errors.New("api: store, actions, sessions, context and inbox are required")
	}
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: 10 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{opts: cfg, deps: deps, mux: http.NewServeMux(), clock: time.Now}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics)
	}

	s.mux.HandleFunc("GET /users/{userID}/rules", s.listRulesHandler)
	s.mux.HandleFunc("POST /users/{userID}/rules", s.createRuleHandler)
	s.mux.HandleFunc("PUT /users/{userID}/rules/{ruleID}", s.putRuleHandler)
	s.mux.HandleFunc("DELETE /users/{userID}/rules/{ruleID}", s.deleteRuleHandler)

	s.mux.HandleFunc("GET /users/{userID}/preferences", s.getPreferencesHandler)
	s.mux.HandleFunc("PUT /users/{userID}/preferences", s.putPreferencesHandler)

	s.mux.HandleFunc("POST /users/{userID}/context", s.contextHandler)

	s.mux.HandleFunc("GET /users/{userID}/session", s.getSessionHandler)
	s.mux.HandleFunc("POST /users/{userID}/session", s.startSessionHandler)
	s.mux.HandleFunc("DELETE /users/{userID}/session", s.stopSessionHandler)
	s.mux.HandleFunc("POST /users/{userID}/tick", s.tickHandler)

	s.mux.HandleFunc("GET /users/{userID}/interventions", s.listInterventionsHandler)
	s.mux.HandleFunc("POST /users/{userID}/interventions/{subjectKey}/snooze", s.snoozeHandler)
	s.mux.HandleFunc("POST /users/{userID}/interventions/{subjectKey}/dismiss", s.dismissHandler)

	s.mux.HandleFunc("GET /users/{userID}/inbox", s.inboxHandler)
	s.mux.HandleFunc("GET /users/{userID}/deliveries", s.deliveriesHandler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.opts.Addr }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	slog.Info("Server.Run: shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}
