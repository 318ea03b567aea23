// Package ingestgate implements the doorbell UDP ingest gate: a socket
// bound only while app.sammi.running is true, parsing pipe-delimited
// and packed-numeric doorbell tokens into TWITCH_EVENT records with
// per-category debounce and cursor-based dedupe.
package ingestgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/logging"
	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

// categoryTable is the fixed packed-numeric category code table.
var categoryTable = map[string]string{
	"101": "CHAT",
	"102": "REDEEM",
	"103": "BITS",
	"104": "FOLLOW",
	"105": "SUB",
	"106": "RAID",
	"107": "HYPE_TRAIN",
	"108": "POLL",
	"109": "PREDICTION",
	"110": "SHOUTOUT",
	"111": "POWER_UPS",
	"112": "HYPE",
}

// Store is the subset of *store.Store the ingest gate depends on.
type Store interface {
	GetState(ctx context.Context, key string) (*store.StateEntry, error)
	Subscribe(ctx context.Context, filter store.EventFilter) (<-chan store.Event, func())
	AdvanceTwitchCursor(ctx context.Context, category string, marker int64) (bool, error)
	AppendEvent(ctx context.Context, ev store.Event) (store.Event, error)
}

// BridgeClient fetches an event's bound variables (and, when
// configured, a per-category commit-marker variable) from the
// external SAMMI/Twitch bridge.
type BridgeClient interface {
	FetchVariables(ctx context.Context, category string) (map[string]any, error)
	FetchMarkerVariable(ctx context.Context, category string) (int64, bool, error)
}

// Config configures the ingest gate.
type Config struct {
	ListenAddr       string
	GatingStateKey   string // default "app.sammi.running"
	DebounceByCat    map[string]time.Duration
	PreferMarkerVar  bool // when true and the bridge returns a marker variable, prefer it over the packet timestamp
	// OnBindChange, when set, observes every bind/unbind transition
	// (used for the bind-state gauge).
	OnBindChange func(bound bool)
}

// Gate is a lifecycle.Service: it binds/unbinds the UDP socket in
// response to the gating state key.
type Gate struct {
	cfg    Config
	store  Store
	bridge BridgeClient
	log    *logging.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	lastSeenByCat map[string]time.Time
}

// New builds an ingest Gate.
func New(cfg Config, st Store, bridge BridgeClient, log *logging.Logger) *Gate {
	if cfg.GatingStateKey == "" {
		cfg.GatingStateKey = "app.sammi.running"
	}
	if log == nil {
		log = logging.NewDefault("ingestgate")
	}
	return &Gate{cfg: cfg, store: st, bridge: bridge, log: log, lastSeenByCat: make(map[string]time.Time)}
}

func (g *Gate) Name() string { return "ingestgate" }

// Start watches the gating key and binds/unbinds the socket
// accordingly, for the life of ctx (lifecycle.Service).
func (g *Gate) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	initial, err := g.store.GetState(runCtx, g.cfg.GatingStateKey)
	if err != nil {
		return fmt.Errorf("ingestgate: read gating key: %w", err)
	}
	if initial != nil && boolValue(initial.Value) {
		if err := g.bind(runCtx); err != nil {
			return err
		}
	}

	events, unsub := g.store.Subscribe(runCtx, store.EventFilter{})
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				g.unbind()
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type != "STATE_CHANGED" {
					continue
				}
				g.handleGatingChange(runCtx, ev)
			}
		}
	}()
	return nil
}

func (g *Gate) handleGatingChange(ctx context.Context, ev store.Event) {
	var body struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if json.Unmarshal(ev.Payload, &body) != nil || body.Key != g.cfg.GatingStateKey {
		return
	}
	if boolValue(body.Value) {
		_ = g.bind(ctx)
	} else {
		g.unbind()
	}
}

// Stop unbinds the socket and waits for the listener goroutine to exit
// (lifecycle.Service).
func (g *Gate) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.unbind()
	g.wg.Wait()
	return nil
}

func (g *Gate) bind(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", g.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("ingestgate: resolve addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("ingestgate: listen udp: %w", err)
	}
	g.conn = conn
	g.wg.Add(1)
	go g.readLoop(ctx, conn)
	if g.cfg.OnBindChange != nil {
		g.cfg.OnBindChange(true)
	}
	return nil
}

func (g *Gate) unbind() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn == nil {
		return
	}
	_ = g.conn.Close()
	g.conn = nil
	if g.cfg.OnBindChange != nil {
		g.cfg.OnBindChange(false)
	}
}

func (g *Gate) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer g.wg.Done()
	buf := make([]byte, 1024)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.mu.Lock()
			stillBound := g.conn == conn
			g.mu.Unlock()
			if !stillBound {
				return
			}
			continue
		}
		token := strings.TrimSpace(string(buf[:n]))
		g.handleToken(ctx, token)
	}
}

// DoorbellToken is a parsed packet prior to dedupe/debounce.
type DoorbellToken struct {
	Category  string
	Timestamp int64
	Seq       string // unspecified semantics beyond "accepted"
}

// ParseToken parses either the pipe-delimited
// "<CATEGORY>|<timestamp>[|<seq>]" form or the packed numeric
// "CCC<timestamp>" form. Malformed tokens return
// ok=false and must be dropped silently.
func ParseToken(raw string) (tok DoorbellToken, ok bool) {
	if raw == "" {
		return DoorbellToken{}, false
	}
	if strings.Contains(raw, "|") {
		parts := strings.Split(raw, "|")
		if len(parts) < 2 || len(parts) > 3 {
			return DoorbellToken{}, false
		}
		cat := strings.ToUpper(parts[0])
		if !isKnownCategoryName(cat) {
			return DoorbellToken{}, false
		}
		ts, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return DoorbellToken{}, false
		}
		tok = DoorbellToken{Category: cat, Timestamp: ts}
		if len(parts) == 3 {
			tok.Seq = parts[2]
		}
		return tok, true
	}

	if len(raw) < 4 {
		return DoorbellToken{}, false
	}
	code := raw[:3]
	cat, known := categoryTable[code]
	if !known {
		return DoorbellToken{}, false
	}
	ts, err := strconv.ParseInt(raw[3:], 10, 64)
	if err != nil {
		return DoorbellToken{}, false
	}
	return DoorbellToken{Category: cat, Timestamp: ts}, true
}

func isKnownCategoryName(cat string) bool {
	for _, name := range categoryTable {
		if name == cat {
			return true
		}
	}
	return false
}

func (g *Gate) handleToken(ctx context.Context, raw string) {
	tok, ok := ParseToken(raw)
	if !ok {
		return
	}

	g.mu.Lock()
	last, seen := g.lastSeenByCat[tok.Category]
	debounce := g.cfg.DebounceByCat[tok.Category]
	now := time.Now()
	if seen && debounce > 0 && now.Sub(last) < debounce {
		g.mu.Unlock()
		return
	}
	g.lastSeenByCat[tok.Category] = now
	g.mu.Unlock()

	marker := tok.Timestamp
	if g.cfg.PreferMarkerVar && g.bridge != nil {
		if m, ok, err := g.bridge.FetchMarkerVariable(ctx, tok.Category); err == nil && ok {
			marker = m
		}
	}

	advanced, err := g.store.AdvanceTwitchCursor(ctx, tok.Category, marker)
	if err != nil {
		g.log.Entry(ctx).WithError(err).Warn("ingestgate: advance cursor failed")
		return
	}
	if !advanced {
		return
	}

	var vars map[string]any
	if g.bridge != nil {
		vars, _ = g.bridge.FetchVariables(ctx, tok.Category)
	}

	payload, _ := json.Marshal(map[string]any{
		"category":  tok.Category,
		"timestamp": tok.Timestamp,
		"seq":       tok.Seq,
		"variables": vars,
	})
	_, err = g.store.AppendEvent(ctx, store.Event{
		Type:     "TWITCH_EVENT",
		Source:   "ingestgate",
		Severity: store.SeverityInfo,
		Payload:  payload,
	})
	if err != nil {
		g.log.Entry(ctx).WithError(err).Warn("ingestgate: append TWITCH_EVENT failed")
	}
}

func boolValue(raw json.RawMessage) bool {
	var v bool
	_ = json.Unmarshal(raw, &v)
	return v
}
