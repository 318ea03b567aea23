package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/therealmrnerd/watchkeeper-vnext/internal/store"
)

func newIntegrationStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPollMusicEmitsTrackChanged(t *testing.T) {
	st := newIntegrationStore(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.json"), []byte(`{"title":"Song A","artist":"Band","playing":true}`), 0o644))

	s := New(Config{MusicStatusDir: dir}, st, nil, nil)
	ctx := context.Background()
	s.pollMusic(ctx)

	entry, err := st.GetState(ctx, "music.track.title")
	require.NoError(t, err)
	require.NotNil(t, entry)
	var title string
	require.NoError(t, json.Unmarshal(entry.Value, &title))
	require.Equal(t, "Song A", title)

	rows, err := st.ReadEvents(ctx, store.EventFilter{})
	require.NoError(t, err)
	var sawStarted, sawChanged bool
	for _, ev := range rows {
		if ev.Type == "MUSIC_STARTED" {
			sawStarted = true
		}
		if ev.Type == "TRACK_CHANGED" {
			sawChanged = true
		}
	}
	require.True(t, sawStarted)
	require.True(t, sawChanged)
}

func TestPollWatchConditionEmitsOnChange(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()
	require.NoError(t, st.SetState(ctx, "ed.running", json.RawMessage(`true`), store.SetStateOpts{Source: "test", Internal: true}))

	s := New(Config{}, st, nil, nil)
	s.pollWatchCondition(ctx)
	s.pollWatchCondition(ctx) // second call with no change must not re-emit

	rows, err := st.ReadEvents(ctx, store.EventFilter{EventType: "WATCH_CONDITION_CHANGED"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestPollHardwareThresholdEdgeTriggered(t *testing.T) {
	st := newIntegrationStore(t)
	ctx := context.Background()

	s := New(Config{}, st, nil, nil)
	armed := false
	s.evaluateThreshold(ctx, "hw.cpu_percent", 95, 80, 5, &armed)
	require.True(t, armed)
	s.evaluateThreshold(ctx, "hw.cpu_percent", 90, 80, 5, &armed)
	require.True(t, armed, "must stay armed until below threshold-hysteresis")
	s.evaluateThreshold(ctx, "hw.cpu_percent", 70, 80, 5, &armed)
	require.False(t, armed)

	rows, err := st.ReadEvents(ctx, store.EventFilter{EventType: "HARDWARE_THRESHOLD"})
	require.NoError(t, err)
	require.Len(t, rows, 1, "only the first crossing emits")
}
