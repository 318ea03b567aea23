package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveWatchCondition(t *testing.T) {
	require.Equal(t, "degraded", deriveWatchCondition(true, true, true))
	require.Equal(t, "live", deriveWatchCondition(true, true, false))
	require.Equal(t, "offline_play", deriveWatchCondition(true, false, false))
	require.Equal(t, "streaming_other", deriveWatchCondition(false, true, false))
	require.Equal(t, "standby", deriveWatchCondition(false, false, false))
}
