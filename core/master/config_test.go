package master

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetConfig_Defaults(t *testing.T) {
	cfg, err := GetConfig()
	require.NoError(t, err)

	require.Equal(t, 1234, cfg.Server.Port)
	require.Equal(t, ObjectiveCPU, cfg.Balancer.Objective)
	require.Equal(t, 10*time.Second, cfg.Balancer.Interval)
	require.Equal(t, int64(64<<20), cfg.Balancer.MaxChunkSizeBytes)

	p := cfg.PolicyConfig()
	require.Equal(t, 4, p.MaxMovesPerRound)
	require.Equal(t, 0.2, p.MinCPUGap)

	r := cfg.RetryPolicy()
	require.Equal(t, 50*time.Millisecond, r.Base)
	require.Zero(t, r.MaxAttempts)
}

func TestGetConfig_Environment(t *testing.T) {
	t.Setenv("BALANCER_OBJECTIVE", ObjectiveThroughput)
	t.Setenv("BALANCER_INTERVAL", "1m")
	t.Setenv("PERSIST_RETRY_MAX_ATTEMPTS", "7")

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.Equal(t, ObjectiveThroughput, cfg.Balancer.Objective)
	require.Equal(t, time.Minute, cfg.Balancer.Interval)
	require.Equal(t, 7, cfg.RetryPolicy().MaxAttempts)

	t.Setenv("BALANCER_INTERVAL", "often")
	_, err = GetConfig()
	require.Error(t, err)
}
