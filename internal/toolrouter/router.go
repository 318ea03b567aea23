// Package toolrouter maps tool names to their safety class and actuator
// binding. It holds no policy logic of its own: the
// policy engine has already decided a call is allowed by the time the
// router is consulted. The router's job is purely "which adapter runs
// this, and is it globally switched on".
package toolrouter

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

// Binding describes how one tool is dispatched.
type Binding struct {
	Tool        string
	SafetyClass string
	Actuator    string // logical actuator name, e.g. "webhook", "mediakey", "keypress", "parser", "overlay", "twitch"
	RequiresKey bool   // true for tools gated by the keypress kill-switch specifically
}

// Router holds the static tool -> binding table plus the two runtime
// kill-switches.
type Router struct {
	mu        sync.RWMutex
	bindings  map[string]Binding

	actuatorsEnabled atomic.Bool
	keypressEnabled  atomic.Bool
}

// New builds a Router seeded with bindings and the initial kill-switch
// state.
func New(bindings []Binding, actuatorsEnabled, keypressEnabled bool) *Router {
	r := &Router{bindings: make(map[string]Binding, len(bindings))}
	for _, b := range bindings {
		r.bindings[b.Tool] = b
	}
	r.actuatorsEnabled.Store(actuatorsEnabled)
	r.keypressEnabled.Store(keypressEnabled)
	return r
}

// SetActuatorsEnabled flips the global actuator kill-switch.
func (r *Router) SetActuatorsEnabled(v bool) { r.actuatorsEnabled.Store(v) }

// SetKeypressEnabled flips the keypress-specific kill-switch.
func (r *Router) SetKeypressEnabled(v bool) { r.keypressEnabled.Store(v) }

// ActuatorsEnabled reports the current actuator kill-switch state.
func (r *Router) ActuatorsEnabled() bool { return r.actuatorsEnabled.Load() }

// KeypressEnabled reports the current keypress kill-switch state.
func (r *Router) KeypressEnabled() bool { return r.keypressEnabled.Load() }

// Lookup resolves a tool to its binding. Unknown tools, and tools with
// an empty SafetyClass of "read_only" that have no registered binding,
// return ToolNotImplemented.
func (r *Router) Lookup(tool string) (Binding, error) {
	r.mu.RLock()
	b, ok := r.bindings[tool]
	r.mu.RUnlock()
	if !ok {
		return Binding{}, errs.New(errs.ToolNotImplemented, "unknown tool", 404).WithDetail("tool", tool)
	}
	return b, nil
}

// Gate resolves the binding and applies the global kill-switches before
// dispatch.
func (r *Router) Gate(ctx context.Context, tool string) (Binding, error) {
	b, err := r.Lookup(tool)
	if err != nil {
		return Binding{}, err
	}
	if b.Actuator == "" {
		return b, nil
	}
	if !r.ActuatorsEnabled() {
		return Binding{}, errs.New(errs.ActuatorsDisabled, "actuators are disabled", 409).WithDetail("tool", tool)
	}
	if b.RequiresKey && !r.KeypressEnabled() {
		return Binding{}, errs.New(errs.KeypressDisabled, "keypress dispatch is disabled", 409).WithDetail("tool", tool)
	}
	return b, nil
}

// Bindings returns a snapshot of the full table, sorted by tool name.
func (r *Router) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// DefaultBindings is the baseline tool table for this deployment:
// lighting and overlay tools are webhook-backed, media control is
// key-synthesized, virtual keypresses require the dedicated
// kill-switch, and the external parser is a lifecycle actuator rather
// than a per-call one.
func DefaultBindings() []Binding {
	return []Binding{
		{Tool: "lighting.scene", SafetyClass: "low_risk", Actuator: "webhook"},
		{Tool: "lighting.ambient", SafetyClass: "low_risk", Actuator: "webhook"},
		{Tool: "media.next", SafetyClass: "low_risk", Actuator: "mediakey"},
		{Tool: "media.pause", SafetyClass: "low_risk", Actuator: "mediakey"},
		{Tool: "media.resume", SafetyClass: "low_risk", Actuator: "mediakey"},
		{Tool: "input.keypress", SafetyClass: "high_risk", Actuator: "keypress", RequiresKey: true},
		{Tool: "parser.start", SafetyClass: "high_risk", Actuator: "parser"},
		{Tool: "parser.stop", SafetyClass: "high_risk", Actuator: "parser"},
		{Tool: "overlay.note", SafetyClass: "low_risk", Actuator: "overlay"},
		{Tool: "overlay.hype", SafetyClass: "low_risk", Actuator: "overlay"},
		{Tool: "overlay.spoiler", SafetyClass: "high_risk", Actuator: "overlay"},
		{Tool: "twitch.send_chat", SafetyClass: "low_risk", Actuator: "twitch"},
		{Tool: "state.read", SafetyClass: "read_only"},
		{Tool: "sitrep.read", SafetyClass: "read_only"},
	}
}

// NormalizeTool lower-cases and trims a tool name read from a request
// body before lookup; the standing-orders document and the binding
// table are both keyed in lower_snake.namespace form.
func NormalizeTool(tool string) string {
	return strings.ToLower(strings.TrimSpace(tool))
}
