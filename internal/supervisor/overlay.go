package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// overlayKeys is the curated set of state keys mirrored to the
// external overlay-variable API when the bridge is enabled. The "noisy"
// subset (configured per deployment) never pulses the new-write marker
// even when it changes.
var overlayKeys = []string{
	"app.watch_condition",
	"ed.telemetry.system",
	"ed.telemetry.station",
	"ed.telemetry.docked",
	"music.track.title",
	"music.track.artist",
	"music.playing",
	"hw.cpu_percent",
}

// pollOverlayBridge diffs the curated keys against the last-sent
// snapshot and pushes changes to the external variable-setting API,
// respecting a per-cycle update cap and pulsing a new-write marker on
// meaningful (non-noisy) changes.
func (s *Supervisor) pollOverlayBridge(ctx context.Context) {
	if !s.cfg.OverlayBridgeEnabled || s.cfg.OverlayBridgeURL == "" {
		return
	}
	if !s.readBool(ctx, "ed.running") {
		return
	}

	type change struct {
		key   string
		value json.RawMessage
	}
	var changes []change

	s.mu.Lock()
	for _, key := range overlayKeys {
		entry, err := s.store.GetState(ctx, key)
		if err != nil || entry == nil {
			continue
		}
		current := string(entry.Value)
		if s.overlaySnapshot[key] == current {
			continue
		}
		s.overlaySnapshot[key] = current
		changes = append(changes, change{key: key, value: entry.Value})
		if s.cfg.OverlayUpdateCap > 0 && len(changes) >= s.cfg.OverlayUpdateCap {
			break
		}
	}
	s.mu.Unlock()

	if len(changes) == 0 {
		return
	}

	timeout := s.cfg.OverlayHTTPTimeout
	if timeout <= 0 {
		timeout = 600 * time.Millisecond
	}
	client := &http.Client{Timeout: timeout}

	meaningfulChange := false
	for _, c := range changes {
		s.pushOverlayVariable(ctx, client, c.key, c.value)
		if !s.cfg.OverlayNoisyKeys[c.key] {
			meaningfulChange = true
		}
	}

	if meaningfulChange {
		s.pulseNewWriteMarker(ctx, client)
	}
}

func (s *Supervisor) pushOverlayVariable(ctx context.Context, client *http.Client, key string, value json.RawMessage) {
	body, _ := json.Marshal(map[string]any{"key": key, "value": json.RawMessage(value)})
	cctx, cancel := context.WithTimeout(ctx, client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, s.cfg.OverlayBridgeURL+"/variable", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		s.log.Entry(ctx).WithError(err).Debug("supervisor: overlay push failed")
		return
	}
	resp.Body.Close()
}

// pulseNewWriteMarker sets the overlay.new_write marker variable to true
// so overlay scenes can react to "something changed" without polling
// every key. Nothing here sets it back to false.
func (s *Supervisor) pulseNewWriteMarker(ctx context.Context, client *http.Client) {
	body, _ := json.Marshal(map[string]any{"key": "overlay.new_write", "value": true})
	cctx, cancel := context.WithTimeout(ctx, client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, s.cfg.OverlayBridgeURL+"/variable", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
