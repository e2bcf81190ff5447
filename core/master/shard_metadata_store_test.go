package master

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyropy/chunkbalancer/core/policy"
)

func TestShardMetadataStore_Register(t *testing.T) {
	s := NewShardMetadataStore()

	named := s.RegisterShard("shard-a", "localhost:4000")
	require.Equal(t, "shard-a", named.ID)
	require.True(t, named.Active)
	require.True(t, named.Healthy)

	generated := s.RegisterShard("", "localhost:4001")
	require.NotEmpty(t, generated.ID)

	require.Equal(t, "localhost:4001", s.GetShardMetadata(generated.ID).Address)
	require.Nil(t, s.GetShardMetadata("missing"))
	require.Len(t, s.GetAllActiveShards(), 2)
}

func TestShardMetadataStore_HealthThreshold(t *testing.T) {
	s := NewShardMetadataStore()
	s.RegisterShard("shard-a", "")

	for i := 1; i < FailedHealthChecksThreshold; i++ {
		sh := s.MarkUnhealthy("shard-a")
		require.False(t, sh.Healthy)
		require.True(t, sh.Active)
	}

	sh := s.MarkUnhealthy("shard-a")
	require.False(t, sh.Active)
	require.Empty(t, s.GetAllActiveShards())

	sh = s.MarkHealthy("shard-a")
	require.True(t, sh.Active)
	require.Zero(t, sh.FailedHealthChecks)

	require.Nil(t, s.MarkUnhealthy("missing"))
	require.Nil(t, s.MarkHealthy("missing"))
}

func TestShardMetadataStore_Snapshot(t *testing.T) {
	s := NewShardMetadataStore()
	s.RegisterShard("shard-a", "")
	s.RegisterShard("shard-b", "")
	s.RegisterShard("shard-c", "")

	require.NoError(t, s.ReportStats("shard-a", 0.7, map[string]float64{"c1": 0.3, "c2": 0.1}))
	// a later report of the same chunk wins
	require.NoError(t, s.ReportStats("shard-b", 0.2, map[string]float64{"c2": 0.05}))
	s.MarkUnhealthy("shard-c")
	require.ErrorIs(t, s.ReportStats("missing", 0.1, nil), ErrShardNotFound)

	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.NoError(t, snap.Validate())

	byID := make(map[string]policy.ShardStatistics)
	for _, sh := range snap.Shards {
		byID[sh.ShardID] = sh
	}
	require.Len(t, byID, 3)
	require.Equal(t, 0.7, byID["shard-a"].CPUUsage)
	require.False(t, byID["shard-a"].Unavailable)
	require.True(t, byID["shard-c"].Unavailable)

	require.Equal(t, []policy.ChunkStatistics{
		{ChunkID: "c1", Usage: 0.3},
		{ChunkID: "c2", Usage: 0.05},
	}, snap.Chunks)
}

func TestShardMetadataStore_ConcurrentUpdatesKeepEveryField(t *testing.T) {
	s := NewShardMetadataStore()
	s.RegisterShard("shard-a", "")

	const checks = 50
	var wg sync.WaitGroup
	for i := 0; i < checks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.MarkUnhealthy("shard-a")
		}()
	}
	wg.Wait()
	require.Equal(t, checks, s.GetShardMetadata("shard-a").FailedHealthChecks)

	for i := 0; i < checks; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ReportStats("shard-a", 0.5, map[string]float64{"c1": 0.2}))
		}()
		go func() {
			defer wg.Done()
			s.MarkUnhealthy("shard-a")
		}()
	}
	wg.Wait()

	// health marks never roll back a stats report
	sh := s.GetShardMetadata("shard-a")
	require.Equal(t, 0.5, sh.CPUUsage)
	require.Equal(t, map[string]float64{"c1": 0.2}, sh.ChunkUsage)
}
