package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetStateInvalidKeyRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"ed..running", "System.CPU", "ed", "music-now_playing"} {
		err := s.SetState(ctx, key, json.RawMessage(`true`), SetStateOpts{Source: "test"})
		require.Error(t, err, key)
	}
}

func TestSetStateIngestAllowList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetState(ctx, "jinx.twitch.enabled", json.RawMessage(`true`), SetStateOpts{Source: "test"})
	require.Error(t, err, "jinx.* must not pass ingest validation")

	err = s.SetState(ctx, "jinx.twitch.enabled", json.RawMessage(`true`), SetStateOpts{Source: "test", Internal: true})
	require.NoError(t, err, "jinx.* is allowed for internal writers")

	err = s.SetState(ctx, "ed.running", json.RawMessage(`true`), SetStateOpts{Source: "test"})
	require.NoError(t, err)
}

func TestSetStateIdempotentLastWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t0 := time.Now().UTC().Add(-time.Minute)
	t1 := t0.Add(time.Second)

	require.NoError(t, s.SetState(ctx, "music.playing", json.RawMessage(`true`), SetStateOpts{Source: "a", ObservedAt: t1}))
	// an older observation must not clobber a newer one
	require.NoError(t, s.SetState(ctx, "music.playing", json.RawMessage(`false`), SetStateOpts{Source: "b", ObservedAt: t0}))

	entry, err := s.GetState(ctx, "music.playing")
	require.NoError(t, err)
	require.Equal(t, `true`, string(entry.Value))
}

func TestAppendEventDuplicateRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := Event{ID: "evt-1", Type: "TEST_EVENT", Source: "test"}
	_, err := s.AppendEvent(ctx, ev)
	require.NoError(t, err)

	_, err = s.AppendEvent(ctx, ev)
	require.Error(t, err)
}

func TestReadEventsOrderedBySeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.AppendEvent(ctx, Event{Type: "TEST_EVENT", Source: "test"})
		require.NoError(t, err)
	}

	rows, err := s.ReadEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i := 1; i < len(rows); i++ {
		require.Less(t, rows[i-1].Seq, rows[i].Seq)
	}
}

func TestTwitchCursorMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	advanced, err := s.AdvanceTwitchCursor(ctx, "CHAT", 1700000000000)
	require.NoError(t, err)
	require.True(t, advanced)

	advanced, err = s.AdvanceTwitchCursor(ctx, "CHAT", 1700000000000)
	require.NoError(t, err)
	require.False(t, advanced, "equal marker must not re-advance")

	advanced, err = s.AdvanceTwitchCursor(ctx, "CHAT", 1600000000000)
	require.NoError(t, err)
	require.False(t, advanced, "lower marker must not advance")

	advanced, err = s.AdvanceTwitchCursor(ctx, "CHAT", 1700000000001)
	require.NoError(t, err)
	require.True(t, advanced)
}

func TestIntentPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := Intent{RequestID: "req-1", Mode: "chat", Domain: "general", Urgency: "normal", UserText: "hi", Actions: json.RawMessage(`[]`)}
	first, err := s.PutIntent(ctx, in)
	require.NoError(t, err)

	in2 := in
	in2.UserText = "changed"
	second, err := s.PutIntent(ctx, in2)
	require.NoError(t, err)
	require.Equal(t, first.UserText, second.UserText, "second insert must return the original record")
}

func TestConfigValueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetConfigValue(ctx, "app_version")
	require.NoError(t, err)
	require.Empty(t, v)

	require.NoError(t, s.SetConfigValue(ctx, "app_version", "dev"))
	require.NoError(t, s.SetConfigValue(ctx, "app_version", "v1"))

	v, err = s.GetConfigValue(ctx, "app_version")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
}

func TestSubscribeReceivesNewEvents(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, unsub := s.Subscribe(ctx, EventFilter{})
	defer unsub()

	_, err := s.AppendEvent(context.Background(), Event{Type: "TEST_EVENT", Source: "test"})
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, "TEST_EVENT", ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}
