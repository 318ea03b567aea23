// Package config resolves the runtime parameters cmd/watchkeeperd is
// started with: flags first, then environment, then file-backed
// defaults, never a package singleton.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Runtime is the fully-resolved set of parameters a process is started
// with: addresses, timeouts, cadences, paths, feature flags.
type Runtime struct {
	HTTPAddr   string
	UDPAddr    string
	DBPath     string
	LogLevel   string
	LogFormat  string

	StandingOrdersPath string
	SammiVariablesPath string
	LightingEnvPath    string

	TelemetryFilePath string
	HardwareEnabled   bool
	MusicStatusDir    string

	TrackedProcesses map[string]string

	CPUHighThreshold float64
	CPUHysteresis    float64
	MemHighThreshold float64
	MemHysteresis    float64

	ActuatorsEnabled bool
	KeypressEnabled  bool
	TwitchUDPEnabled bool
	StrictConfirm    bool
	DevIngest        bool

	WebhookTimeout      time.Duration
	KeypressTimeout     time.Duration
	ParserStopTimeout   time.Duration
	BridgeTimeout       time.Duration
	ConfirmWindow       time.Duration

	ActiveCadence time.Duration
	IdleCadence   time.Duration

	OverlayBridgeURL    string
	OverlayUpdateCap    int
	ParserCommand       []string
	AutoRunParser       bool

	MediaKeyCommand   string
	KeypressCommand   string
	KeypressAllowList []string

	AppsPath string

	ShutdownGrace time.Duration
}

// Default returns sane local-host defaults; every field can be overridden
// by flags or environment variables at process startup.
func Default() Runtime {
	return Runtime{
		HTTPAddr:            ":8077",
		UDPAddr:             ":7701",
		DBPath:              "watchkeeper.db",
		LogLevel:            "info",
		LogFormat:           "text",
		StandingOrdersPath:  "config/standing_orders.json",
		SammiVariablesPath:  "config/sammi_variables.json",
		LightingEnvPath:     "config/lighting_env.json",
		TelemetryFilePath:   "data/telemetry.json",
		HardwareEnabled:     true,
		MusicStatusDir:      "data/music",
		TrackedProcesses:    map[string]string{"ed": "EliteDangerous64.exe", "sammi": "SAMMI.exe"},
		CPUHighThreshold:    90,
		CPUHysteresis:       5,
		MemHighThreshold:    92,
		MemHysteresis:       4,
		ActuatorsEnabled:    true,
		KeypressEnabled:     false,
		TwitchUDPEnabled:    true,
		StrictConfirm:       false,
		DevIngest:           false,
		WebhookTimeout:      5 * time.Second,
		KeypressTimeout:     2 * time.Second,
		ParserStopTimeout:   4 * time.Second,
		BridgeTimeout:       600 * time.Millisecond,
		ConfirmWindow:       12 * time.Second,
		ActiveCadence:       2 * time.Second,
		IdleCadence:         10 * time.Second,
		OverlayUpdateCap:    20,
		AutoRunParser:       true,
		AppsPath:            "config/apps.json",
		ShutdownGrace:       5 * time.Second,
	}
}

// FromEnv overlays environment variables onto a base Runtime. Env is an
// injectable lookup so tests don't depend on process-wide os.Getenv.
type Env interface {
	Lookup(key string) (string, bool)
}

type osEnv struct{}

func (osEnv) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// OSEnv is the process environment.
var OSEnv Env = osEnv{}

// FromEnv mutates a copy of rt with any WATCHKEEPER_* variables present
// in env and returns it.
func FromEnv(rt Runtime, env Env) Runtime {
	str := func(key string, dst *string) {
		if v, ok := env.Lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := env.Lookup(key); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = parsed
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := env.Lookup(key); ok {
			*dst = parseBool(v)
		}
	}
	intv := func(key string, dst *int) {
		if v, ok := env.Lookup(key); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}

	str("WATCHKEEPER_HTTP_ADDR", &rt.HTTPAddr)
	str("WATCHKEEPER_UDP_ADDR", &rt.UDPAddr)
	str("WATCHKEEPER_DB_PATH", &rt.DBPath)
	str("WATCHKEEPER_LOG_LEVEL", &rt.LogLevel)
	str("WATCHKEEPER_LOG_FORMAT", &rt.LogFormat)
	str("WATCHKEEPER_STANDING_ORDERS", &rt.StandingOrdersPath)
	str("WATCHKEEPER_SAMMI_VARIABLES", &rt.SammiVariablesPath)
	str("WATCHKEEPER_LIGHTING_ENV", &rt.LightingEnvPath)
	str("WATCHKEEPER_TELEMETRY_FILE", &rt.TelemetryFilePath)
	str("WATCHKEEPER_MUSIC_STATUS_DIR", &rt.MusicStatusDir)
	str("WATCHKEEPER_OVERLAY_BRIDGE_URL", &rt.OverlayBridgeURL)
	str("WATCHKEEPER_MEDIAKEY_COMMAND", &rt.MediaKeyCommand)
	str("WATCHKEEPER_KEYPRESS_COMMAND", &rt.KeypressCommand)
	str("WATCHKEEPER_APPS_PATH", &rt.AppsPath)

	boolean("WATCHKEEPER_HARDWARE_ENABLED", &rt.HardwareEnabled)
	boolean("WATCHKEEPER_ACTUATORS_ENABLED", &rt.ActuatorsEnabled)
	boolean("WATCHKEEPER_KEYPRESS_ENABLED", &rt.KeypressEnabled)
	boolean("WATCHKEEPER_TWITCH_UDP_ENABLED", &rt.TwitchUDPEnabled)
	boolean("WATCHKEEPER_STRICT_CONFIRM", &rt.StrictConfirm)
	boolean("WATCHKEEPER_DEV_INGEST", &rt.DevIngest)
	boolean("WATCHKEEPER_AUTO_RUN_PARSER", &rt.AutoRunParser)

	dur("WATCHKEEPER_WEBHOOK_TIMEOUT", &rt.WebhookTimeout)
	dur("WATCHKEEPER_KEYPRESS_TIMEOUT", &rt.KeypressTimeout)
	dur("WATCHKEEPER_PARSER_STOP_TIMEOUT", &rt.ParserStopTimeout)
	dur("WATCHKEEPER_BRIDGE_TIMEOUT", &rt.BridgeTimeout)
	dur("WATCHKEEPER_CONFIRM_WINDOW", &rt.ConfirmWindow)
	dur("WATCHKEEPER_ACTIVE_CADENCE", &rt.ActiveCadence)
	dur("WATCHKEEPER_IDLE_CADENCE", &rt.IdleCadence)
	dur("WATCHKEEPER_SHUTDOWN_GRACE", &rt.ShutdownGrace)

	intv("WATCHKEEPER_OVERLAY_UPDATE_CAP", &rt.OverlayUpdateCap)

	if v, ok := env.Lookup("WATCHKEEPER_PARSER_COMMAND"); ok && strings.TrimSpace(v) != "" {
		rt.ParserCommand = strings.Fields(v)
	}
	if v, ok := env.Lookup("WATCHKEEPER_KEYPRESS_ALLOW"); ok && strings.TrimSpace(v) != "" {
		rt.KeypressAllowList = splitList(v)
	}
	if v, ok := env.Lookup("WATCHKEEPER_TRACKED_PROCESSES"); ok && strings.TrimSpace(v) != "" {
		rt.TrackedProcesses = parsePairs(v)
	}

	return rt
}

// splitList parses a comma-separated list, trimming blanks.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parsePairs parses "key=value,key=value" into a map, for the tracked
// process table ("ed=EliteDangerous64.exe,sammi=SAMMI.exe").
func parsePairs(v string) map[string]string {
	out := make(map[string]string)
	for _, item := range strings.Split(v, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(item), "=")
		if !ok || k == "" || val == "" {
			continue
		}
		out[k] = val
	}
	return out
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// JSONDocument is a generic loader for the standing-orders document, the
// SAMMI variable index, and the lighting environment map: all three are
// closed-schema JSON, so a single generic decode-into-T helper replaces
// three near-identical loaders.
func JSONDocument[T any](path string) (T, error) {
	var zero T
	data, err := os.ReadFile(path)
	if err != nil {
		return zero, fmt.Errorf("read %s: %w", path, err)
	}
	var out T
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return zero, fmt.Errorf("decode %s: %w", path, err)
	}
	return out, nil
}
