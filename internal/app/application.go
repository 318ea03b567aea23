// Package app assembles the control plane: it opens the store, loads
// the standing-orders and deployment documents, builds every component
// against an explicit Store capability, and registers the long-running
// ones with a single lifecycle.Manager so start and shutdown order are
// deterministic.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/actuators"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/config"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/httpapi"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/ingestgate"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/lifecycle"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/logging"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/pipeline"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/policy"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/supervisor"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/toolrouter"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

// LightingEnv is the environment-map JSON for lighting: the webhook target the lighting actuator posts to,
// with an optional {scene} placeholder, plus named scene aliases.
type LightingEnv struct {
	WebhookURL string            `json:"webhook_url"`
	Scenes     map[string]string `json:"scenes,omitempty"`
}

// SammiIndex is the SAMMI variable index JSON: where the
// bridge lives, which variable carries each category's commit marker,
// per-category debounce, and the overlay bridge settings.
type SammiIndex struct {
	BridgeURL            string            `json:"bridge_url"`
	PreferMarkerVariable bool              `json:"prefer_marker_variable,omitempty"`
	MarkerVariables      map[string]string `json:"marker_variables,omitempty"`
	DebounceMS           map[string]int    `json:"debounce_ms,omitempty"`
	OverlayEnabled       bool              `json:"overlay_enabled,omitempty"`
	OverlayNoisyKeys     []string          `json:"overlay_noisy_keys,omitempty"`
}

// Application owns every constructed component and the lifecycle
// manager driving the long-running ones.
type Application struct {
	cfg     config.Runtime
	log     *logging.Logger
	store   *store.Store
	engine  *policy.Engine
	router  *toolrouter.Router
	pipe    *pipeline.Pipeline
	manager *lifecycle.Manager
}

// New builds the full component graph. Any error here is a fatal
// initialization failure: schema mismatch, config
// parse error, or an unusable store.
func New(ctx context.Context, cfg config.Runtime, log *logging.Logger) (*Application, error) {
	if log == nil {
		log = logging.NewDefault("app")
	}

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	orders, err := os.ReadFile(cfg.StandingOrdersPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("read standing orders: %w", err)
	}
	doc, err := policy.ParseDocument(orders)
	if err != nil {
		st.Close()
		return nil, err
	}
	engine := policy.NewEngine(doc, cfg.ConfirmWindow)
	engine.SetStrictConfirm(cfg.StrictConfirm)

	lighting, err := optionalDocument[LightingEnv](cfg.LightingEnvPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	sammi, err := optionalDocument[SammiIndex](cfg.SammiVariablesPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	bridgeURL := cfg.OverlayBridgeURL
	if bridgeURL == "" {
		bridgeURL = sammi.BridgeURL
	}

	router := toolrouter.New(toolrouter.DefaultBindings(), cfg.ActuatorsEnabled, cfg.KeypressEnabled)

	foreground := func(fctx context.Context) (string, error) {
		entry, err := st.GetState(fctx, "app.foreground")
		if err != nil || entry == nil {
			return "", err
		}
		var v string
		_ = json.Unmarshal(entry.Value, &v)
		return v, nil
	}

	adapters := map[string]actuators.Actuator{
		"webhook":  actuators.NewWebhookEmitter("webhook", lighting.WebhookURL, cfg.WebhookTimeout),
		"mediakey": actuators.NewKeySynthesizer("mediakey", cfg.MediaKeyCommand, cfg.KeypressTimeout),
		"keypress": actuators.NewGuardedKeypress("keypress", cfg.KeypressCommand, cfg.KeypressTimeout, cfg.KeypressAllowList, foreground),
	}
	if bridgeURL != "" {
		adapters["overlay"] = actuators.NewWebhookEmitter("overlay", bridgeURL+"/variable", cfg.BridgeTimeout)
		adapters["twitch"] = actuators.NewWebhookEmitter("twitch", bridgeURL+"/chat", cfg.BridgeTimeout)
	}

	var parser actuators.Actuator
	if len(cfg.ParserCommand) > 0 {
		parser = actuators.NewParserLifecycle("parser", cfg.ParserCommand[0], cfg.ParserCommand[1:], cfg.ParserStopTimeout)
		adapters["parser"] = parser
	}

	pipe := pipeline.New(st, engine, router, adapters, log)

	noisy := make(map[string]bool, len(sammi.OverlayNoisyKeys))
	for _, k := range sammi.OverlayNoisyKeys {
		noisy[k] = true
	}
	sup := supervisor.New(supervisor.Config{
		ActiveCadence:        cronEvery(cfg.ActiveCadence),
		IdleCadence:          cronEvery(cfg.IdleCadence),
		TrackedProcesses:     cfg.TrackedProcesses,
		TelemetryFilePath:    cfg.TelemetryFilePath,
		HardwareEnabled:      cfg.HardwareEnabled,
		CPUHighThreshold:     cfg.CPUHighThreshold,
		CPUHysteresis:        cfg.CPUHysteresis,
		MemHighThresholdPct:  cfg.MemHighThreshold,
		MemHysteresis:        cfg.MemHysteresis,
		MusicStatusDir:       cfg.MusicStatusDir,
		AutoRunParser:        cfg.AutoRunParser && parser != nil,
		ParserDebounce:       cfg.ActiveCadence,
		OverlayBridgeEnabled: sammi.OverlayEnabled && bridgeURL != "",
		OverlayBridgeURL:     bridgeURL,
		OverlayUpdateCap:     cfg.OverlayUpdateCap,
		OverlayNoisyKeys:     noisy,
		OverlayHTTPTimeout:   cfg.BridgeTimeout,
	}, st, parser, log)

	manager := lifecycle.NewManager()
	if err := manager.Register(sup); err != nil {
		st.Close()
		return nil, err
	}

	if cfg.TwitchUDPEnabled {
		bridge := ingestgate.NewHTTPBridgeClient(bridgeURL, cfg.BridgeTimeout)
		bridge.MarkerVariableByCategory = sammi.MarkerVariables
		debounce := make(map[string]time.Duration, len(sammi.DebounceMS))
		for cat, ms := range sammi.DebounceMS {
			debounce[cat] = time.Duration(ms) * time.Millisecond
		}
		gate := ingestgate.New(ingestgate.Config{
			ListenAddr:      cfg.UDPAddr,
			DebounceByCat:   debounce,
			PreferMarkerVar: sammi.PreferMarkerVariable,
			OnBindChange:    httpapi.SetIngestGateBound,
		}, st, bridge, log)
		if err := manager.Register(gate); err != nil {
			st.Close()
			return nil, err
		}
	}

	reloader := &policyReloader{
		path:    cfg.StandingOrdersPath,
		cadence: cfg.IdleCadence,
		engine:  engine,
		store:   st,
		log:     log,
	}
	if err := manager.Register(reloader); err != nil {
		st.Close()
		return nil, err
	}

	launcher := actuators.NewAppLauncher(loadAppCommands(cfg.AppsPath, log))
	api := httpapi.New(httpapi.Config{Addr: cfg.HTTPAddr, Version: Version, DevIngest: cfg.DevIngest}, st, pipe, launcher, log)
	if err := manager.Register(api); err != nil {
		st.Close()
		return nil, err
	}

	a := &Application{cfg: cfg, log: log, store: st, engine: engine, router: router, pipe: pipe, manager: manager}
	if err := a.seedCapabilities(ctx, parser != nil, bridgeURL != ""); err != nil {
		st.Close()
		return nil, err
	}
	if err := st.SetConfigValue(ctx, "app_version", Version); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

// Run starts every registered service, blocks until ctx is cancelled,
// then stops them in reverse order within the shutdown grace window.
func (a *Application) Run(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		a.store.Close()
		return err
	}
	a.log.WithField("http_addr", a.cfg.HTTPAddr).Info("watchkeeper up")

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	err := a.manager.Stop(stopCtx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Store exposes the store for tests and diagnostics.
func (a *Application) Store() *store.Store { return a.store }

// seedCapabilities records the initial health of every adapter-backed
// capability: present adapters start available, absent
// ones start unavailable so /sitrep reflects the real deployment.
func (a *Application) seedCapabilities(ctx context.Context, hasParser, hasBridge bool) error {
	status := func(present bool) store.CapabilityStatus {
		if present {
			return store.CapabilityAvailable
		}
		return store.CapabilityUnavailable
	}
	seeds := []struct {
		name    string
		status  store.CapabilityStatus
		detail  string
	}{
		{"store", store.CapabilityAvailable, "sqlite open, migrations applied"},
		{"policy_engine", store.CapabilityAvailable, "standing orders loaded"},
		{"webhook_actuator", status(a.cfg.ActuatorsEnabled), ""},
		{"keypress_actuator", status(a.cfg.KeypressEnabled), ""},
		{"parser_lifecycle", status(hasParser), ""},
		{"ingest_gate", status(a.cfg.TwitchUDPEnabled), ""},
		{"overlay_bridge", status(hasBridge), ""},
	}
	for _, s := range seeds {
		if err := a.store.SetCapabilityStatus(ctx, s.name, s.status, s.detail); err != nil {
			return err
		}
	}
	return nil
}

// optionalDocument loads a closed-schema JSON document, treating a
// missing file as the zero value and a malformed one as fatal.
func optionalDocument[T any](path string) (T, error) {
	var zero T
	if path == "" {
		return zero, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return zero, nil
	}
	return config.JSONDocument[T](path)
}

// loadAppCommands reads the app id -> argv table for /app/open;
// best-effort by design, so a missing or malformed file only logs.
func loadAppCommands(path string, log *logging.Logger) map[string][]string {
	cmds, err := optionalDocument[map[string][]string](path)
	if err != nil {
		log.WithError(err).Warn("app commands file unusable, /app/open disabled")
		return nil
	}
	return cmds
}

func cronEvery(d time.Duration) string {
	if d <= 0 {
		d = 5 * time.Second
	}
	return "@every " + d.String()
}
