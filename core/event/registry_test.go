package event

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_LockConflict(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	r := NewRegistry()

	first, err := New(chunk, Offload{}, store)
	require.NoError(t, err)
	second, err := New(chunk, Move{ToShard: "shard-b"}, store)
	require.NoError(t, err)

	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(first))
	require.ErrorIs(t, r.Register(second), ErrLockConflict)

	got, ok := r.Get(chunk.ID)
	require.True(t, ok)
	require.Equal(t, first.ID(), got.ID())

	// releasing the loser must not drop the holder
	r.Release(second)
	require.True(t, r.IsActive(chunk.ID))

	r.Release(first)
	require.False(t, r.IsActive(chunk.ID))
	require.NoError(t, r.Register(second))
}

func TestRegistry_ConcurrentRegister(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	r := NewRegistry()

	const n = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner int
	)
	for i := 0; i < n; i++ {
		ev, err := New(chunk, Offload{}, store)
		require.NoError(t, err)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Register(ev) == nil {
				mu.Lock()
				winner++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, winner)
	require.Equal(t, 1, r.Len())
}

func TestRegistry_IsActiveFollowsMintedChunk(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	ev := newEvent(t, store, chunk, Rename{TargetNS: "db.target"})
	r := NewRegistry()
	require.NoError(t, r.Register(ev))

	ctx := context.Background()
	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))

	target := chunk
	target.NS = "db.target"
	target.ID = "00000000000000000042"
	require.NoError(t, ev.Transition(ctx, StateTargetCreated, Change{NewChunk: &target}))

	require.True(t, r.IsActive(chunk.ID))
	require.True(t, r.IsActive(target.ID))
	require.False(t, r.IsActive("00000000000000000007"))
}

func TestRegistry_EventsSortedByChunkID(t *testing.T) {
	store := newMemStore()
	r := NewRegistry()

	for _, bounds := range [][2]int64{{200, 300}, {0, 100}, {100, 200}} {
		ev, err := New(testChunk(t, bounds[0], bounds[1]), Offload{}, store)
		require.NoError(t, err)
		require.NoError(t, r.Register(ev))
	}

	events := r.Events()
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		require.Less(t, events[i-1].ChunkID(), events[i].ChunkID())
	}
}
