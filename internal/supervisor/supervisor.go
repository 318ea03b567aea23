// Package supervisor implements the deterministic event-driven pollers:
// process presence, telemetry ingest, hardware probe, music now-playing,
// parser lifecycle coupling, watch-condition derivation, and the
// stream-overlay variable bridge. Every loop is an
// independent cooperative task with its own cadence; none block on
// each other, and all state mutation goes through the Store.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/tidwall/gjson"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/actuators"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/logging"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

// Store is the subset of *store.Store the supervisor depends on.
type Store interface {
	GetState(ctx context.Context, key string) (*store.StateEntry, error)
	ListState(ctx context.Context, prefix string) ([]store.StateEntry, error)
	SetState(ctx context.Context, key string, value json.RawMessage, opts store.SetStateOpts) error
	AppendEvent(ctx context.Context, ev store.Event) (store.Event, error)
}

// Config configures every loop.
type Config struct {
	ActiveCadence string // cron spec for the fast loops (presence, telemetry, music, watch condition, overlay)
	IdleCadence   string // cron spec for slow-moving sources (hardware probe); falls back to ActiveCadence

	TrackedProcesses map[string]string // app key ("ed") -> executable name to search for

	TelemetryFilePath string

	HardwareEnabled      bool
	CPUHighThreshold     float64
	CPUHysteresis        float64
	MemHighThresholdPct  float64
	MemHysteresis        float64

	MusicStatusDir string

	AutoRunParser   bool
	ParserDebounce  time.Duration

	OverlayBridgeEnabled  bool
	OverlayBridgeURL      string
	OverlayUpdateCap      int
	OverlayNoisyKeys      map[string]bool
	OverlayHTTPTimeout    time.Duration
}

// Supervisor owns the cron scheduler and all mutable edge-detection
// state for the loops it drives.
type Supervisor struct {
	cfg   Config
	store Store
	log   *logging.Logger
	cron  *cron.Cron
	parser actuators.Actuator

	mu sync.Mutex

	lastCPUAlarmHigh bool
	lastMemAlarmHigh bool

	lastTrack struct{ title, artist string }
	lastPlaying bool

	lastWatchCondition string

	lastEDRunning       bool
	lastParserDebounce  time.Time

	overlaySnapshot map[string]string

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
}

// New builds a Supervisor. parser may be nil if auto-run is disabled.
func New(cfg Config, st Store, parser actuators.Actuator, log *logging.Logger) *Supervisor {
	if log == nil {
		log = logging.NewDefault("supervisor")
	}
	return &Supervisor{
		cfg:             cfg,
		store:           st,
		log:             log,
		cron:            cron.New(),
		parser:          parser,
		overlaySnapshot: make(map[string]string),
	}
}

func (s *Supervisor) Name() string { return "supervisor" }

// Start registers every loop with the cron scheduler and starts it
// (lifecycle.Service).
func (s *Supervisor) Start(ctx context.Context) error {
	active := s.cfg.ActiveCadence
	if active == "" {
		active = "@every 5s"
	}
	idle := s.cfg.IdleCadence
	if idle == "" {
		idle = active
	}

	entries := []struct {
		name    string
		cadence string
		fn      func(context.Context)
	}{
		{"process_presence", active, s.pollProcessPresence},
		{"telemetry_ingest", active, s.pollTelemetry},
		{"hardware_probe", idle, s.pollHardware},
		{"music_now_playing", active, s.pollMusic},
		{"watch_condition", active, s.pollWatchCondition},
		{"overlay_bridge", active, s.pollOverlayBridge},
	}
	for _, e := range entries {
		fn := e.fn
		name := e.name
		_, err := s.cron.AddFunc(e.cadence, func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("loop", name).Errorf("supervisor loop panic: %v", r)
				}
			}()
			fn(ctx)
		})
		if err != nil {
			return fmt.Errorf("supervisor: register %s loop: %w", name, err)
		}
	}
	s.cron.Start()
	s.startFileWatch(ctx)
	return nil
}

// Stop halts the scheduler; running jobs finish, no new ones start.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.watchCancel != nil {
		s.watchCancel()
	}
	s.watchWG.Wait()
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

// pollProcessPresence detects configured executables and mirrors
// presence under ed.running / app.<key>.running.
func (s *Supervisor) pollProcessPresence(ctx context.Context) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.log.Entry(ctx).WithError(err).Warn("supervisor: list processes failed")
		return
	}
	running := make(map[string]bool, len(s.cfg.TrackedProcesses))
	for key := range s.cfg.TrackedProcesses {
		running[key] = false
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		for key, exe := range s.cfg.TrackedProcesses {
			if strings.EqualFold(name, exe) {
				running[key] = true
			}
		}
	}

	for key, isRunning := range running {
		val, _ := json.Marshal(isRunning)
		_ = s.store.SetState(ctx, fmt.Sprintf("app.%s.running", key), val, store.SetStateOpts{Source: "supervisor", Internal: true})
		if key == "ed" {
			s.handleEDRunningTransition(ctx, isRunning)
		}
	}
}

// handleEDRunningTransition writes the canonical ed.running key and
// couples the parser lifecycle to it.
func (s *Supervisor) handleEDRunningTransition(ctx context.Context, isRunning bool) {
	val, _ := json.Marshal(isRunning)
	_ = s.store.SetState(ctx, "ed.running", val, store.SetStateOpts{Source: "supervisor", Internal: true})

	s.mu.Lock()
	wasRunning := s.lastEDRunning
	s.lastEDRunning = isRunning
	now := time.Now()
	sinceLastDebounce := now.Sub(s.lastParserDebounce)
	minGap := s.debounceInterval()
	shouldAct := wasRunning != isRunning && sinceLastDebounce >= minGap
	if shouldAct {
		s.lastParserDebounce = now
	}
	s.mu.Unlock()

	if !shouldAct {
		return
	}

	if isRunning {
		_, _ = s.store.AppendEvent(ctx, store.Event{Type: "ED_STARTED", Source: "supervisor", Severity: store.SeverityInfo})
		if s.cfg.AutoRunParser && s.parser != nil {
			s.parser.Invoke(ctx, "parser.start", nil)
		}
	} else {
		_, _ = s.store.AppendEvent(ctx, store.Event{Type: "ED_STOPPED", Source: "supervisor", Severity: store.SeverityInfo})
		if s.cfg.AutoRunParser && s.parser != nil {
			s.parser.Invoke(ctx, "parser.stop", nil)
		}
	}
}

func (s *Supervisor) debounceInterval() time.Duration {
	if s.cfg.ParserDebounce > 0 {
		return s.cfg.ParserDebounce
	}
	return 5 * time.Second
}

// pollTelemetry reads the telemetry file and publishes a curated set
// of ed.telemetry.* state keys.
func (s *Supervisor) pollTelemetry(ctx context.Context) {
	if s.cfg.TelemetryFilePath == "" {
		return
	}
	raw, err := os.ReadFile(s.cfg.TelemetryFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Entry(ctx).WithError(err).Warn("supervisor: read telemetry file failed")
		}
		return
	}
	if !gjson.ValidBytes(raw) {
		return
	}

	fields := []string{"commander", "system", "station", "ship", "fuel_level", "docked", "in_combat"}
	for _, f := range fields {
		res := gjson.GetBytes(raw, f)
		if !res.Exists() {
			continue
		}
		val, _ := json.Marshal(res.Value())
		_ = s.store.SetState(ctx, "ed.telemetry."+f, val, store.SetStateOpts{Source: "telemetry", Internal: true})
	}
}

// pollHardware samples CPU/memory and emits edge-triggered
// HARDWARE_THRESHOLD events with hysteresis.
func (s *Supervisor) pollHardware(ctx context.Context) {
	if !s.cfg.HardwareEnabled {
		return
	}
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(pct) > 0 {
		s.evaluateThreshold(ctx, "hw.cpu_percent", pct[0], s.cfg.CPUHighThreshold, s.cfg.CPUHysteresis, &s.lastCPUAlarmHigh)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil {
		s.evaluateThreshold(ctx, "hw.mem_percent", vm.UsedPercent, s.cfg.MemHighThresholdPct, s.cfg.MemHysteresis, &s.lastMemAlarmHigh)
	}
}

func (s *Supervisor) evaluateThreshold(ctx context.Context, key string, value, threshold, hysteresis float64, armed *bool) {
	val, _ := json.Marshal(value)
	_ = s.store.SetState(ctx, key, val, store.SetStateOpts{Source: "supervisor", Internal: true})
	if threshold <= 0 {
		return
	}

	s.mu.Lock()
	wasHigh := *armed
	nowHigh := wasHigh
	if !wasHigh && value >= threshold {
		nowHigh = true
	} else if wasHigh && value < threshold-hysteresis {
		nowHigh = false
	}
	*armed = nowHigh
	s.mu.Unlock()

	if nowHigh && !wasHigh {
		payload, _ := json.Marshal(map[string]any{"key": key, "value": value, "threshold": threshold})
		_, _ = s.store.AppendEvent(ctx, store.Event{Type: "HARDWARE_THRESHOLD", Source: "supervisor", Severity: store.SeverityWarn, Payload: payload})
	}
}

// pollMusic scans the music status directory and publishes
// music.track.* / music.playing, emitting TRACK_CHANGED and
// MUSIC_STARTED/MUSIC_STOPPED on transitions.
func (s *Supervisor) pollMusic(ctx context.Context) {
	if s.cfg.MusicStatusDir == "" {
		return
	}
	entries, err := os.ReadDir(s.cfg.MusicStatusDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Entry(ctx).WithError(err).Warn("supervisor: read music status dir failed")
		}
		return
	}

	var title, artist string
	playing := false
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.cfg.MusicStatusDir, e.Name()))
		if err != nil || !gjson.ValidBytes(raw) {
			continue
		}
		title = gjson.GetBytes(raw, "title").String()
		artist = gjson.GetBytes(raw, "artist").String()
		playing = gjson.GetBytes(raw, "playing").Bool()
		break // single active player expected; first valid file wins
	}

	titleVal, _ := json.Marshal(title)
	artistVal, _ := json.Marshal(artist)
	playingVal, _ := json.Marshal(playing)
	_ = s.store.SetState(ctx, "music.track.title", titleVal, store.SetStateOpts{Source: "supervisor", Internal: true})
	_ = s.store.SetState(ctx, "music.track.artist", artistVal, store.SetStateOpts{Source: "supervisor", Internal: true})
	_ = s.store.SetState(ctx, "music.playing", playingVal, store.SetStateOpts{Source: "supervisor", Internal: true})

	s.mu.Lock()
	trackChanged := title != s.lastTrack.title || artist != s.lastTrack.artist
	playChanged := playing != s.lastPlaying
	s.lastTrack.title, s.lastTrack.artist = title, artist
	wasPlaying := s.lastPlaying
	s.lastPlaying = playing
	s.mu.Unlock()

	if trackChanged && (title != "" || artist != "") {
		payload, _ := json.Marshal(map[string]string{"title": title, "artist": artist})
		_, _ = s.store.AppendEvent(ctx, store.Event{Type: "TRACK_CHANGED", Source: "supervisor", Severity: store.SeverityInfo, Payload: payload})
	}
	if playChanged {
		evType := "MUSIC_STOPPED"
		if playing && !wasPlaying {
			evType = "MUSIC_STARTED"
		}
		_, _ = s.store.AppendEvent(ctx, store.Event{Type: evType, Source: "supervisor", Severity: store.SeverityInfo})
	}
}

// pollWatchCondition derives the current watch condition from
// (ed.running, streaming_active, degraded_services) and emits
// WATCH_CONDITION_CHANGED plus a HANDOVER_NOTE on change.
func (s *Supervisor) pollWatchCondition(ctx context.Context) {
	edRunning := s.readBool(ctx, "ed.running")
	streaming := s.readBool(ctx, "jinx.streaming_active")
	degraded := s.anyDegradedCapability(ctx)

	condition := deriveWatchCondition(edRunning, streaming, degraded)

	val, _ := json.Marshal(condition)
	_ = s.store.SetState(ctx, "app.watch_condition", val, store.SetStateOpts{Source: "supervisor", Internal: true})

	s.mu.Lock()
	changed := condition != s.lastWatchCondition
	s.lastWatchCondition = condition
	s.mu.Unlock()

	if !changed {
		return
	}

	payload, _ := json.Marshal(map[string]string{"watch_condition": condition})
	_, _ = s.store.AppendEvent(ctx, store.Event{Type: "WATCH_CONDITION_CHANGED", Source: "supervisor", Severity: store.SeverityInfo, Payload: payload})

	note := fmt.Sprintf("watch condition -> %s (ed.running=%v streaming=%v degraded=%v)", condition, edRunning, streaming, degraded)
	notePayload, _ := json.Marshal(map[string]string{"note": note})
	_, _ = s.store.AppendEvent(ctx, store.Event{Type: "HANDOVER_NOTE", Source: "supervisor", Severity: store.SeverityInfo, Payload: notePayload})
}

// deriveWatchCondition classifies the operating picture from the three
// inputs every other loop feeds the store.
func deriveWatchCondition(edRunning, streaming, degraded bool) string {
	switch {
	case degraded:
		return "degraded"
	case edRunning && streaming:
		return "live"
	case edRunning:
		return "offline_play"
	case streaming:
		return "streaming_other"
	default:
		return "standby"
	}
}

func (s *Supervisor) anyDegradedCapability(ctx context.Context) bool {
	entries, err := s.store.ListState(ctx, "capability.")
	if err != nil {
		return false
	}
	for _, e := range entries {
		var v string
		if json.Unmarshal(e.Value, &v) == nil && v != "available" {
			return true
		}
	}
	return false
}

func (s *Supervisor) readBool(ctx context.Context, key string) bool {
	entry, err := s.store.GetState(ctx, key)
	if err != nil || entry == nil {
		return false
	}
	var v bool
	_ = json.Unmarshal(entry.Value, &v)
	return v
}
