package ingestgate

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

func TestParseTokenPipeForm(t *testing.T) {
	tok, ok := ParseToken("CHAT|1700000000|42")
	require.True(t, ok)
	require.Equal(t, "CHAT", tok.Category)
	require.EqualValues(t, 1700000000, tok.Timestamp)
	require.Equal(t, "42", tok.Seq)
}

func TestParseTokenPackedForm(t *testing.T) {
	tok, ok := ParseToken("1011700000000")
	require.True(t, ok)
	require.Equal(t, "CHAT", tok.Category)
	require.EqualValues(t, 1700000000, tok.Timestamp)
}

func TestParseTokenMalformed(t *testing.T) {
	for _, raw := range []string{"", "GARBAGE", "999|1700000000", "CHAT|notanumber", "CHAT|1|2|3"} {
		_, ok := ParseToken(raw)
		require.False(t, ok, raw)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGateBindsOnlyWhenGated(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := New(Config{ListenAddr: "127.0.0.1:0"}, st, nil, nil)
	require.NoError(t, g.Start(ctx))
	defer g.Stop(context.Background())

	g.mu.Lock()
	bound := g.conn != nil
	g.mu.Unlock()
	require.False(t, bound, "must not bind while gating key is false")

	require.NoError(t, st.SetState(ctx, "app.sammi.running", json.RawMessage(`true`), store.SetStateOpts{Source: "test", Internal: true}))

	require.Eventually(t, func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.conn != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleTokenDedupesByCursor(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	g := New(Config{}, st, nil, nil)

	g.handleToken(ctx, "CHAT|1700000000")
	g.handleToken(ctx, "CHAT|1700000000") // duplicate marker, must not re-append

	rows, err := st.ReadEvents(ctx, store.EventFilter{EventType: "TWITCH_EVENT"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestHandleTokenDebounce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	g := New(Config{DebounceByCat: map[string]time.Duration{"CHAT": time.Hour}}, st, nil, nil)

	g.handleToken(ctx, "CHAT|1700000000")
	g.handleToken(ctx, "CHAT|1700000001") // newer marker but within debounce window

	rows, err := st.ReadEvents(ctx, store.EventFilter{EventType: "TWITCH_EVENT"})
	require.NoError(t, err)
	require.Len(t, rows, 1, "debounce must suppress the second packet")
}

func TestReadLoopParsesRealPacket(t *testing.T) {
	st := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp", addr)
	require.NoError(t, err)

	g := New(Config{}, st, nil, nil)
	g.conn = conn
	g.wg.Add(1)
	go g.readLoop(ctx, conn)

	client, err := net.DialUDP("udp", nil, conn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	_, err = client.Write([]byte("REDEEM|1700000005"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rows, _ := st.ReadEvents(ctx, store.EventFilter{EventType: "TWITCH_EVENT"})
		return len(rows) == 1
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	_ = conn.Close()
	g.wg.Wait()
}
