// Package actuators implements the side-effect adapters dispatched by
// the execution pipeline: a webhook emitter, a
// media-key synthesizer, a guarded virtual keypress, and an external
// telemetry-parser lifecycle. Each adapter is bounded by its own
// timeout and never retries internally.
package actuators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

// Outcome is the result of one actuator invocation.
type Outcome struct {
	Output json.RawMessage
	Err    *errs.Error
}

// Actuator is implemented by every side-effect adapter.
type Actuator interface {
	// Name identifies the actuator for logging and capability reporting.
	Name() string
	// Invoke runs one tool call. params is the raw action parameter
	// document; the adapter is responsible for interpreting its own
	// shape.
	Invoke(ctx context.Context, tool string, params json.RawMessage) Outcome
}

func timeoutOutcome(tool string) Outcome {
	return Outcome{Err: errs.New(errs.AdapterTimeout, "adapter timed out", 504).WithDetail("tool", tool)}
}

func adapterErrorOutcome(tool string, err error) Outcome {
	return Outcome{Err: errs.Wrap(errs.AdapterError, "adapter call failed", 502, err).WithDetail("tool", tool)}
}

func runWithTimeout(ctx context.Context, timeout time.Duration, tool string, fn func(ctx context.Context) Outcome) Outcome {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() { done <- fn(cctx) }()

	select {
	case out := <-done:
		return out
	case <-cctx.Done():
		return timeoutOutcome(tool)
	}
}

// WebhookEmitter POSTs a small JSON body to a configured URL. The URL
// may contain a "{scene}" placeholder substituted from the params
// document's "scene" field.
type WebhookEmitter struct {
	name    string
	urlTmpl string
	timeout time.Duration
	client  *http.Client
}

// NewWebhookEmitter builds a webhook actuator bound to urlTmpl.
func NewWebhookEmitter(name, urlTmpl string, timeout time.Duration) *WebhookEmitter {
	return &WebhookEmitter{
		name:    name,
		urlTmpl: urlTmpl,
		timeout: timeout,
		client:  &http.Client{},
	}
}

func (w *WebhookEmitter) Name() string { return w.name }

func (w *WebhookEmitter) Invoke(ctx context.Context, tool string, params json.RawMessage) Outcome {
	return runWithTimeout(ctx, w.timeout, tool, func(cctx context.Context) Outcome {
		var body map[string]any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &body); err != nil {
				return Outcome{Err: errs.Wrap(errs.AdapterError, "invalid params", 400, err)}
			}
		}
		url := w.urlTmpl
		if scene, ok := body["scene"].(string); ok && strings.Contains(url, "{scene}") {
			url = strings.ReplaceAll(url, "{scene}", scene)
		}

		payload, err := json.Marshal(body)
		if err != nil {
			return adapterErrorOutcome(tool, err)
		}
		req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return adapterErrorOutcome(tool, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return adapterErrorOutcome(tool, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return adapterErrorOutcome(tool, fmt.Errorf("webhook returned status %d", resp.StatusCode))
		}
		return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"status":%d}`, resp.StatusCode))}
	})
}

// KeySynthesizer issues next/pause/resume as OS virtual key events by
// shelling out to a configurable external key-synthesis helper.
type KeySynthesizer struct {
	name    string
	command string
	timeout time.Duration
}

// NewKeySynthesizer builds a media-key actuator that shells out to
// command with one positional argument: "next", "pause", or "resume".
func NewKeySynthesizer(name, command string, timeout time.Duration) *KeySynthesizer {
	return &KeySynthesizer{name: name, command: command, timeout: timeout}
}

func (k *KeySynthesizer) Name() string { return k.name }

var mediaKeyByTool = map[string]string{
	"media.next":   "next",
	"media.pause":  "pause",
	"media.resume": "resume",
}

func (k *KeySynthesizer) Invoke(ctx context.Context, tool string, _ json.RawMessage) Outcome {
	return runWithTimeout(ctx, k.timeout, tool, func(cctx context.Context) Outcome {
		key, ok := mediaKeyByTool[tool]
		if !ok {
			return Outcome{Err: errs.New(errs.ToolNotImplemented, "no media key mapping for tool", 404).WithDetail("tool", tool)}
		}
		if k.command == "" {
			return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"key":%q,"dispatched":false}`, key))}
		}
		cmd := exec.CommandContext(cctx, k.command, key)
		if err := cmd.Run(); err != nil {
			return adapterErrorOutcome(tool, err)
		}
		return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"key":%q,"dispatched":true}`, key))}
	})
}

// ForegroundChecker reports the currently recorded foreground process
// state key so the guarded keypress adapter can check its allow-list
// without depending on the store package directly.
type ForegroundChecker func(ctx context.Context) (string, error)

// GuardedKeypress dispatches a virtual keypress only when the current
// foreground process is in allowList; otherwise it denies
// with DENY_FOREGROUND_MISMATCH without shelling out at all.
type GuardedKeypress struct {
	name       string
	command    string
	timeout    time.Duration
	allowList  map[string]bool
	foreground ForegroundChecker
}

// NewGuardedKeypress builds the guarded keypress actuator.
func NewGuardedKeypress(name, command string, timeout time.Duration, allowList []string, foreground ForegroundChecker) *GuardedKeypress {
	allow := make(map[string]bool, len(allowList))
	for _, a := range allowList {
		allow[a] = true
	}
	return &GuardedKeypress{name: name, command: command, timeout: timeout, allowList: allow, foreground: foreground}
}

func (g *GuardedKeypress) Name() string { return g.name }

type keypressParams struct {
	Key string `json:"key"`
}

func (g *GuardedKeypress) Invoke(ctx context.Context, tool string, params json.RawMessage) Outcome {
	fg, err := g.foreground(ctx)
	if err != nil {
		return adapterErrorOutcome(tool, err)
	}
	if !g.allowList[fg] {
		return Outcome{Err: errs.New(errs.DenyForegroundMismatch, "foreground process not in allow-list", 403).WithDetail("foreground", fg)}
	}

	var p keypressParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return Outcome{Err: errs.Wrap(errs.AdapterError, "invalid params", 400, err)}
		}
	}
	if p.Key == "" {
		return Outcome{Err: errs.New(errs.AdapterError, "key is required", 400)}
	}

	return runWithTimeout(ctx, g.timeout, tool, func(cctx context.Context) Outcome {
		if g.command == "" {
			return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"key":%q,"dispatched":false}`, p.Key))}
		}
		cmd := exec.CommandContext(cctx, g.command, p.Key)
		if err := cmd.Run(); err != nil {
			return adapterErrorOutcome(tool, err)
		}
		return Outcome{Output: json.RawMessage(fmt.Sprintf(`{"key":%q,"dispatched":true}`, p.Key))}
	})
}
