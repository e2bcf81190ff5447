package master

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pyropy/chunkbalancer/core/event"
	"github.com/pyropy/chunkbalancer/core/model"
	"github.com/pyropy/chunkbalancer/lib/metrics"
)

func newTestConfigServer(t *testing.T, zoneFile string) (*ConfigServer, *fakeShardClient) {
	t.Helper()

	cfg, err := GetConfig()
	require.NoError(t, err)
	cfg.Store.Path = t.TempDir()
	cfg.Zones.File = zoneFile
	cfg.Balancer.Enabled = false
	cfg.Health.Interval = time.Hour

	shards := NewShardMetadataStore()
	shards.RegisterShard("shard-a", "")
	shards.RegisterShard("shard-b", "")
	client := newFakeShardClient()

	s, err := NewConfigServerWithClient(cfg, metrics.NewPrometheus(prometheus.NewRegistry(), "test"), shards, client)
	require.NoError(t, err)

	return s, client
}

func TestConfigServer_StartAndMove(t *testing.T) {
	s, client := newTestConfigServer(t, "")
	ctx, cancel := context.WithCancel(context.Background())

	r, err := model.NewChunkRange(key(0), key(100))
	require.NoError(t, err)
	c := model.NewChunk(testNS, r, model.NewChunkVersion(1, 0, primitive.NewObjectID()), "shard-a")
	c.Status = model.ChunkStatusAssigned
	require.NoError(t, s.PutChunk(ctx, c))

	require.NoError(t, s.Start(ctx))

	ev, err := s.Executor.Execute(ctx, moveRequest(c, "shard-b"), true)
	require.NoError(t, err)
	require.Equal(t, event.StateAssigned, ev.State())
	require.Contains(t, client.methods(), "CopyData:shard-a")

	moved, err := s.Catalog.GetChunk(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "shard-b", moved.Shard)

	cancel()
	require.NoError(t, s.Close())
}

func TestConfigServer_PutChunkRespectsActiveEvent(t *testing.T) {
	s, _ := newTestConfigServer(t, "")
	ctx := context.Background()
	t.Cleanup(func() { s.Catalog.Close() })

	r, err := model.NewChunkRange(key(0), key(100))
	require.NoError(t, err)
	c := model.NewChunk(testNS, r, model.NewChunkVersion(1, 0, primitive.NewObjectID()), "shard-a")
	c.Status = model.ChunkStatusAssigned
	require.NoError(t, s.PutChunk(ctx, c))

	ev, err := event.New(c, event.Offload{}, s.Catalog)
	require.NoError(t, err)
	require.NoError(t, s.Registry.Register(ev))

	c.RootFolder = "/other"
	require.ErrorIs(t, s.PutChunk(ctx, c), event.ErrLockConflict)

	s.Registry.Release(ev)
	require.NoError(t, s.PutChunk(ctx, c))
}

func TestConfigServer_LoadsZoneFile(t *testing.T) {
	path := writeZoneFile(t, "zones:\n  - {ns: db.users, tag: a, min: {x: 0}, max: {x: 50}, shards: [shard-a]}\n")
	s, _ := newTestConfigServer(t, path)
	t.Cleanup(func() { s.Catalog.Close() })

	zones, err := s.Zones.Zones(context.Background(), testNS)
	require.NoError(t, err)
	require.Len(t, zones, 1)

	cfg, err := GetConfig()
	require.NoError(t, err)
	cfg.Store.Path = t.TempDir()
	cfg.Zones.File = writeZoneFile(t, "zones: [{ns: db.users}]\n")
	_, err = NewConfigServerWithClient(cfg, metrics.NewPrometheus(prometheus.NewRegistry(), "test"), NewShardMetadataStore(), newFakeShardClient())
	require.Error(t, err)
}
