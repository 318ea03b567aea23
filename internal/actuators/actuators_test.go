package actuators

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/errs"
)

func TestWebhookEmitterSubstitutesScene(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookEmitter("lighting", srv.URL+"/scene/{scene}", time.Second)
	out := w.Invoke(context.Background(), "lighting.scene", json.RawMessage(`{"scene":"combat"}`))
	require.Nil(t, out.Err)
	require.Equal(t, "/scene/combat", gotPath)
}

func TestWebhookEmitterNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhookEmitter("lighting", srv.URL, time.Second)
	out := w.Invoke(context.Background(), "lighting.scene", json.RawMessage(`{}`))
	require.NotNil(t, out.Err)
	require.Equal(t, errs.AdapterError, out.Err.Code)
}

func TestWebhookEmitterTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookEmitter("lighting", srv.URL, 5*time.Millisecond)
	out := w.Invoke(context.Background(), "lighting.scene", json.RawMessage(`{}`))
	require.NotNil(t, out.Err)
	require.Equal(t, errs.AdapterTimeout, out.Err.Code)
}

func TestKeySynthesizerUnmappedTool(t *testing.T) {
	k := NewKeySynthesizer("media", "", time.Second)
	out := k.Invoke(context.Background(), "media.seek", nil)
	require.NotNil(t, out.Err)
	require.Equal(t, errs.ToolNotImplemented, out.Err.Code)
}

func TestKeySynthesizerNoCommandConfigured(t *testing.T) {
	k := NewKeySynthesizer("media", "", time.Second)
	out := k.Invoke(context.Background(), "media.next", nil)
	require.Nil(t, out.Err)
}

func TestGuardedKeypressForegroundMismatch(t *testing.T) {
	fg := func(ctx context.Context) (string, error) { return "browser.exe", nil }
	g := NewGuardedKeypress("keypress", "", time.Second, []string{"game.exe"}, fg)
	out := g.Invoke(context.Background(), "input.keypress", json.RawMessage(`{"key":"f5"}`))
	require.NotNil(t, out.Err)
	require.Equal(t, errs.DenyForegroundMismatch, out.Err.Code)
}

func TestGuardedKeypressAllowed(t *testing.T) {
	fg := func(ctx context.Context) (string, error) { return "game.exe", nil }
	g := NewGuardedKeypress("keypress", "", time.Second, []string{"game.exe"}, fg)
	out := g.Invoke(context.Background(), "input.keypress", json.RawMessage(`{"key":"f5"}`))
	require.Nil(t, out.Err)
}

func TestGuardedKeypressMissingKey(t *testing.T) {
	fg := func(ctx context.Context) (string, error) { return "game.exe", nil }
	g := NewGuardedKeypress("keypress", "", time.Second, []string{"game.exe"}, fg)
	out := g.Invoke(context.Background(), "input.keypress", json.RawMessage(`{}`))
	require.NotNil(t, out.Err)
	require.Equal(t, errs.AdapterError, out.Err.Code)
}

func TestParserLifecycleStartStopStatus(t *testing.T) {
	p := NewParserLifecycle("parser", "sleep", []string{"30"}, 200*time.Millisecond)

	out := p.Invoke(context.Background(), "parser.start", nil)
	require.Nil(t, out.Err)
	require.True(t, p.Status().Running)

	// duplicate start is a no-op
	out2 := p.Invoke(context.Background(), "parser.start", nil)
	require.Nil(t, out2.Err)

	out3 := p.Invoke(context.Background(), "parser.stop", nil)
	require.Nil(t, out3.Err)
	require.False(t, p.Status().Running)
}

func TestParserLifecycleForceKillAfterTimeout(t *testing.T) {
	// the child ignores SIGTERM, so stop must wait out the graceful
	// window and then force-kill
	p := NewParserLifecycle("parser", "sh", []string{"-c", `trap "" TERM; sleep 30`}, 200*time.Millisecond)

	out := p.Invoke(context.Background(), "parser.start", nil)
	require.Nil(t, out.Err)
	require.True(t, p.Status().Running)
	time.Sleep(100 * time.Millisecond) // let the shell install its TERM trap

	started := time.Now()
	out = p.Invoke(context.Background(), "parser.stop", nil)
	require.Nil(t, out.Err)
	require.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
	require.False(t, p.Status().Running)
}

func TestParserLifecycleStopWhenNotRunning(t *testing.T) {
	p := NewParserLifecycle("parser", "sleep", []string{"30"}, 200*time.Millisecond)
	out := p.Invoke(context.Background(), "parser.stop", nil)
	require.Nil(t, out.Err)
}

func TestParserLifecycleUnknownTool(t *testing.T) {
	p := NewParserLifecycle("parser", "sleep", []string{"30"}, time.Second)
	out := p.Invoke(context.Background(), "parser.frobnicate", nil)
	require.NotNil(t, out.Err)
	require.Equal(t, errs.ToolNotImplemented, out.Err.Code)
}
