// watchkeeperd is the control-plane daemon: one process hosting the
// store, policy engine, execution pipeline, supervisor loops, ingest
// gate, and HTTP surface. It exits 0 on a clean shutdown and nonzero
// on any fatal initialization failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/app"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/config"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "watchkeeperd:", err)
		os.Exit(1)
	}
}

func run() error {
	rt := config.FromEnv(config.Default(), config.OSEnv)

	flag.StringVar(&rt.HTTPAddr, "http-addr", rt.HTTPAddr, "HTTP listen address")
	flag.StringVar(&rt.UDPAddr, "udp-addr", rt.UDPAddr, "doorbell UDP listen address")
	flag.StringVar(&rt.DBPath, "db", rt.DBPath, "sqlite database path")
	flag.StringVar(&rt.LogLevel, "log-level", rt.LogLevel, "log level (debug|info|warn|error)")
	flag.StringVar(&rt.LogFormat, "log-format", rt.LogFormat, "log format (text|json)")
	flag.StringVar(&rt.StandingOrdersPath, "standing-orders", rt.StandingOrdersPath, "standing-orders document path")
	flag.StringVar(&rt.SammiVariablesPath, "sammi-variables", rt.SammiVariablesPath, "SAMMI variable index path")
	flag.StringVar(&rt.LightingEnvPath, "lighting-env", rt.LightingEnvPath, "lighting environment map path")
	flag.StringVar(&rt.TelemetryFilePath, "telemetry-file", rt.TelemetryFilePath, "telemetry snapshot path")
	flag.StringVar(&rt.MusicStatusDir, "music-dir", rt.MusicStatusDir, "music now-playing status directory")
	flag.BoolVar(&rt.ActuatorsEnabled, "actuators", rt.ActuatorsEnabled, "global actuator kill-switch")
	flag.BoolVar(&rt.KeypressEnabled, "keypress", rt.KeypressEnabled, "virtual keypress kill-switch")
	flag.BoolVar(&rt.TwitchUDPEnabled, "twitch-udp", rt.TwitchUDPEnabled, "enable the doorbell ingest gate")
	flag.BoolVar(&rt.StrictConfirm, "strict-confirm", rt.StrictConfirm, "require explicit confirmation for all high-risk tools")
	flag.BoolVar(&rt.DevIngest, "dev-ingest", rt.DevIngest, "relax ingest validation for local development")
	flag.BoolVar(&rt.AutoRunParser, "auto-run-parser", rt.AutoRunParser, "couple the parser lifecycle to ed.running")
	flag.Parse()

	log := logging.New(logging.Config{Level: rt.LogLevel, Format: rt.LogFormat, Output: "stdout"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, rt, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
