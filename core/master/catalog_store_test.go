package master

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/event"
	"github.com/pyropy/chunkbalancer/core/model"
)

func TestChunkCatalogStore_PutGetDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := seedChunk(t, env, testNS, 0, 100, "shard-a")

	require.Equal(t, c, getChunk(t, env, c.ID))

	require.NoError(t, env.catalog.DeleteChunk(ctx, c.ID))
	_, err := env.catalog.GetChunk(ctx, c.ID)
	require.ErrorIs(t, err, ErrChunkNotFound)

	invalid := c
	invalid.NS = ""
	require.ErrorIs(t, env.catalog.PutChunk(ctx, invalid), model.ErrInvalidChunk)
}

func TestChunkCatalogStore_ListOrdersByRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c3 := seedChunk(t, env, testNS, 200, 300, "shard-a")
	c1 := seedChunk(t, env, testNS, -50, 100, "shard-b")
	c2 := seedChunk(t, env, testNS, 100, 200, "shard-a")
	other := seedChunk(t, env, "db.orders", 0, 10, "shard-c")

	chunks, err := env.catalog.ListChunks(ctx, testNS)
	require.NoError(t, err)
	require.Equal(t, []model.Chunk{c1, c2, c3}, chunks)

	chunks, err = env.catalog.ListChunks(ctx, "db.orders")
	require.NoError(t, err)
	require.Equal(t, []model.Chunk{other}, chunks)

	chunks, err = env.catalog.ListChunks(ctx, "db.none")
	require.NoError(t, err)
	require.Empty(t, chunks)

	namespaces, err := env.catalog.Namespaces(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"db.orders", testNS}, namespaces)
}

func TestChunkCatalogStore_HighestVersion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	v, err := env.catalog.HighestVersion(ctx, testNS)
	require.NoError(t, err)
	require.False(t, v.IsSet())

	c := seedChunk(t, env, testNS, 0, 100, "shard-a")
	d := seedChunk(t, env, testNS, 100, 200, "shard-a")
	d.Version = model.NewChunkVersion(3, 2, env.epoch)
	require.NoError(t, env.catalog.PutChunk(ctx, d))

	v, err = env.catalog.HighestVersion(ctx, testNS)
	require.NoError(t, err)
	require.Equal(t, d.Version, v)
	require.True(t, c.Version.IsOlderThan(v))
}

func TestChunkCatalogStore_UpdateFields(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := seedChunk(t, env, testNS, 0, 100, "shard-a")

	require.NoError(t, env.catalog.SetJumbo(ctx, c.ID, true))
	require.NoError(t, env.catalog.SetRootFolder(ctx, c.ID, "/data/users"))

	got := getChunk(t, env, c.ID)
	require.True(t, got.Jumbo)
	require.Equal(t, "/data/users", got.RootFolder)

	require.ErrorIs(t, env.catalog.SetJumbo(ctx, "missing", true), ErrChunkNotFound)
}

func TestChunkCatalogStore_PersistEventIsOneBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := seedChunk(t, env, testNS, 0, 100, "shard-a")
	gone := seedChunk(t, env, testNS, 100, 200, "shard-a")

	ev, err := event.New(c, event.Split{SplitPoint: key(50)}, env.catalog)
	require.NoError(t, err)

	updated := c
	updated.Status = model.ChunkStatusOffloaded
	require.NoError(t, env.catalog.PersistEvent(ctx, ev.ID(), ev.Encode(), []model.Chunk{updated}, []string{gone.ID}))

	require.Equal(t, model.ChunkStatusOffloaded, getChunk(t, env, c.ID).Status)
	_, err = env.catalog.GetChunk(ctx, gone.ID)
	require.ErrorIs(t, err, ErrChunkNotFound)

	events, err := env.catalog.LoadEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, ev.ID(), events[0].ID())
	require.Equal(t, event.Split{SplitPoint: key(50)}, events[0].Payload())

	require.NoError(t, env.catalog.DeleteEvent(ctx, ev.ID()))
	require.ErrorIs(t, env.catalog.DeleteEvent(ctx, ev.ID()), ErrUnknownEvent)
}

func TestChunkCatalogStore_LoadEventsRejectsCorruptDocument(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b, err := bson.Marshal(bson.D{{Key: "state", Value: "nonsense"}})
	require.NoError(t, err)
	require.NoError(t, env.catalog.Catalog.Put(ctx, eventKey("broken"), b))

	_, err = env.catalog.LoadEvents(ctx)
	require.ErrorContains(t, err, "broken")
}
