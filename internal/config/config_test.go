package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mapEnv map[string]string

func (m mapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func TestFromEnvOverlays(t *testing.T) {
	env := mapEnv{
		"WATCHKEEPER_HTTP_ADDR":         ":9001",
		"WATCHKEEPER_ACTUATORS_ENABLED": "false",
		"WATCHKEEPER_CONFIRM_WINDOW":    "30s",
		"WATCHKEEPER_PARSER_COMMAND":    "edjp --follow",
		"WATCHKEEPER_KEYPRESS_ALLOW":    "EliteDangerous64.exe, notepad.exe",
		"WATCHKEEPER_TRACKED_PROCESSES": "ed=EliteDangerous64.exe,vlc=vlc.exe",
	}
	rt := FromEnv(Default(), env)

	require.Equal(t, ":9001", rt.HTTPAddr)
	require.False(t, rt.ActuatorsEnabled)
	require.Equal(t, 30*time.Second, rt.ConfirmWindow)
	require.Equal(t, []string{"edjp", "--follow"}, rt.ParserCommand)
	require.Equal(t, []string{"EliteDangerous64.exe", "notepad.exe"}, rt.KeypressAllowList)
	require.Equal(t, map[string]string{"ed": "EliteDangerous64.exe", "vlc": "vlc.exe"}, rt.TrackedProcesses)
}

func TestFromEnvIgnoresBlankAndInvalid(t *testing.T) {
	env := mapEnv{
		"WATCHKEEPER_HTTP_ADDR":      "  ",
		"WATCHKEEPER_CONFIRM_WINDOW": "not-a-duration",
	}
	rt := FromEnv(Default(), env)
	require.Equal(t, Default().HTTPAddr, rt.HTTPAddr)
	require.Equal(t, Default().ConfirmWindow, rt.ConfirmWindow)
}

func TestJSONDocumentRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"known": 1, "unknown": 2}`), 0o644))

	type doc struct {
		Known int `json:"known"`
	}
	_, err := JSONDocument[doc](path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"known": 7}`), 0o644))
	out, err := JSONDocument[doc](path)
	require.NoError(t, err)
	require.Equal(t, 7, out.Known)
}
