// Package httpapi is the HTTP surface: state ingest, event read/stream,
// the intent/execute/confirm/feedback pipeline, sitrep, policy-gated
// Twitch endpoints, STT bias CRUD, and a small static-file handler for
// the operator UI, routed with go-chi/chi/v5 and instrumented
// per-route.
package httpapi

import (
	"context"
	"embed"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/logging"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/pipeline"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

// Store is the subset of *store.Store the HTTP surface depends on.
type Store interface {
	GetState(ctx context.Context, key string) (*store.StateEntry, error)
	ListState(ctx context.Context, prefix string) ([]store.StateEntry, error)
	BatchSetState(ctx context.Context, items []store.BatchItem, correlationID string) error
	ReadEvents(ctx context.Context, filter store.EventFilter) ([]store.Event, error)
	Subscribe(ctx context.Context, filter store.EventFilter) (<-chan store.Event, func())
	ListCapabilities(ctx context.Context) ([]store.Capability, error)
	ListBias(ctx context.Context, mode string) ([]store.BiasEntry, error)
	UpsertBias(ctx context.Context, b store.BiasEntry) error
}

// Pipeline is the subset of *pipeline.Pipeline the HTTP surface drives.
type Pipeline interface {
	Intent(ctx context.Context, req pipeline.IntentRequest) (store.Intent, error)
	Execute(ctx context.Context, req pipeline.ExecuteRequest) (pipeline.ExecuteResult, error)
	Confirm(ctx context.Context, req pipeline.ConfirmRequest) (pipeline.ActionResult, error)
	Feedback(ctx context.Context, req pipeline.FeedbackRequest) (store.Feedback, error)
}

// AppLauncher best-effort launches a configured application id.
type AppLauncher interface {
	Open(ctx context.Context, appID string) error
}

//go:embed ui
var embeddedUI embed.FS

// Config configures the HTTP surface.
type Config struct {
	Addr    string
	Version string
	Started time.Time
	// DevIngest relaxes the POST /state prefix allow-list for local
	// development (the dev-ingest feature flag).
	DevIngest bool
}

// Service is the C8 HTTP surface, registered with lifecycle.Manager like
// every other long-running component.
type Service struct {
	cfg     Config
	store   Store
	pl      Pipeline
	launcher AppLauncher
	log     *logging.Logger

	server *http.Server
}

// New builds the HTTP Service and its chi router.
func New(cfg Config, st Store, pl Pipeline, launcher AppLauncher, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	if cfg.Started.IsZero() {
		cfg.Started = time.Now().UTC()
	}
	return &Service{cfg: cfg, store: st, pl: pl, launcher: launcher, log: log}
}

func (s *Service) Name() string { return "httpapi" }

func (s *Service) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	route := func(method, pattern string, h http.HandlerFunc) {
		r.Method(method, pattern, instrument(pattern, h))
	}

	route(http.MethodGet, "/health", s.handleHealth)
	route(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request) { metricsHandler().ServeHTTP(w, r) })

	route(http.MethodGet, "/state", s.handleGetState)
	route(http.MethodPost, "/state", s.handlePostState)

	route(http.MethodGet, "/events", s.handleGetEvents)
	route(http.MethodGet, "/events/stream", s.handleEventStream)

	route(http.MethodPost, "/intent", s.handlePostIntent)
	route(http.MethodPost, "/execute", s.handlePostExecute)
	route(http.MethodPost, "/confirm", s.handlePostConfirm)
	route(http.MethodPost, "/feedback", s.handlePostFeedback)

	route(http.MethodGet, "/sitrep", s.handleSitrep)

	route(http.MethodGet, "/twitch/recent", s.handleTwitchRecent)
	route(http.MethodGet, "/twitch/user/{id}", s.handleTwitchUser)
	route(http.MethodGet, "/twitch/user/{id}/redeems/top", s.handleTwitchTopRedeems)
	route(http.MethodPost, "/twitch/send_chat", s.handleTwitchSendChat)

	route(http.MethodGet, "/bias", s.handleGetBias)
	route(http.MethodPost, "/bias", s.handlePostBias)

	route(http.MethodPost, "/app/open", s.handleAppOpen)

	if sub, err := fs.Sub(embeddedUI, "ui"); err == nil {
		r.Handle("/*", http.FileServer(http.FS(sub)))
	}

	return r
}

// Start binds the HTTP listener (lifecycle.Service).
func (s *Service) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the SSE stream handler manages its own lifetime
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("httpapi: listen: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the HTTP listener down within the caller's
// context deadline.
func (s *Service) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"version":    s.cfg.Version,
		"uptime_sec": int(time.Since(s.cfg.Started).Seconds()),
	})
}
