package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pyropy/chunkbalancer/core/model"
)

var errStoreDown = errors.New("store unavailable")

type memStore struct {
	mu       sync.Mutex
	events   map[string]bson.D
	chunks   map[string]model.Chunk
	failures int // upcoming calls to fail; negative fails forever
	calls    int
}

func newMemStore() *memStore {
	return &memStore{
		events: make(map[string]bson.D),
		chunks: make(map[string]model.Chunk),
	}
}

func (s *memStore) PersistEvent(_ context.Context, eventID string, doc bson.D, put []model.Chunk, remove []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return errStoreDown
	}

	s.events[eventID] = doc
	for _, c := range put {
		s.chunks[c.ID] = c
	}
	for _, id := range remove {
		delete(s.chunks, id)
	}

	return nil
}

func (s *memStore) chunk(id string) (model.Chunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chunks[id]
	return c, ok
}

func key(v int64) bson.D {
	return bson.D{{Key: "x", Value: v}}
}

func testChunk(t *testing.T, min, max int64) model.Chunk {
	t.Helper()
	r, err := model.NewChunkRange(key(min), key(max))
	require.NoError(t, err)

	c := model.NewChunk("db.users", r, model.NewChunkVersion(1, 0, primitive.NewObjectID()), "shard-a")
	c.Status = model.ChunkStatusAssigned

	return c
}

func fastRetry(attempts int) Option {
	return WithRetryPolicy(RetryPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond, Multiplier: 2, MaxAttempts: attempts})
}

func newEvent(t *testing.T, store *memStore, chunk model.Chunk, p Payload) *Event {
	t.Helper()
	store.chunks[chunk.ID] = chunk

	ev, err := New(chunk, p, store, fastRetry(3))
	require.NoError(t, err)
	require.NoError(t, ev.Start(context.Background()))

	return ev
}

func TestEvent_WalksPathForEveryType(t *testing.T) {
	payloads := []Payload{
		Move{ToShard: "shard-b"},
		Move{ToShard: "shard-b", Rebalance: true},
		Offload{},
		Assign{ToShard: "shard-b"},
		Split{SplitPoint: key(50)},
		Rename{TargetNS: "db.target"},
	}

	for _, p := range payloads {
		t.Run(p.Type().String(), func(t *testing.T) {
			store := newMemStore()
			ev := newEvent(t, store, testChunk(t, 0, 100), p)

			require.True(t, ev.IsInInitialState())
			require.False(t, ev.ShouldContinue())

			path := Path(p.Type())
			require.Equal(t, StateStartOffload, path[0])
			require.Equal(t, StateAssigned, path[len(path)-1])

			for _, next := range path[1:] {
				require.NoError(t, ev.Transition(context.Background(), next, Change{}))
				require.Equal(t, next, ev.State())
			}

			require.True(t, ev.IsFinished())
			require.False(t, ev.ShouldContinue())
			_, ok := ev.Next()
			require.False(t, ok)
		})
	}
}

func TestEvent_IllegalTransition(t *testing.T) {
	store := newMemStore()
	ev := newEvent(t, store, testChunk(t, 0, 100), Move{ToShard: "shard-b"})
	callsBefore := store.calls

	err := ev.Transition(context.Background(), StateDataCopied, Change{})
	require.ErrorIs(t, err, ErrIllegalTransition)
	require.Equal(t, StateStartOffload, ev.State())
	require.Equal(t, callsBefore, store.calls)

	err = ev.Transition(context.Background(), StateSplitCommitted, Change{})
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestEvent_TransitionRejectsInvalidChunk(t *testing.T) {
	store := newMemStore()
	ev := newEvent(t, store, testChunk(t, 0, 100), Move{ToShard: "shard-b"})

	broken := ev.Chunk()
	broken.Shard = ""

	err := ev.Transition(context.Background(), StateOffloadCommitted, Change{Chunk: &broken})
	require.ErrorIs(t, err, model.ErrInvalidChunk)
	require.Equal(t, StateStartOffload, ev.State())
}

func TestEvent_RollbackOnce(t *testing.T) {
	store := newMemStore()
	ev := newEvent(t, store, testChunk(t, 0, 100), Move{ToShard: "shard-b"})
	ctx := context.Background()

	next, ok := ev.Next()
	require.True(t, ok)
	require.Equal(t, StateOffloadCommitted, next)
	require.ErrorIs(t, ev.RollbackOnce(ctx), ErrNoRollbackAvailable)

	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))
	require.True(t, ev.CanRollback())

	require.NoError(t, ev.RollbackOnce(ctx))
	require.Equal(t, StateStartOffload, ev.State())
	require.Equal(t, StateOffloadCommitted, ev.PreviousState())
	require.False(t, ev.CanRollback())

	require.ErrorIs(t, ev.RollbackOnce(ctx), ErrNoRollbackAvailable)

	// a fresh transition re-arms the slot
	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))
	require.NoError(t, ev.RollbackOnce(ctx))
}

func TestEvent_RollbackRestoresPersistedOwnership(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	chunk.Status = model.ChunkStatusOffloaded
	ev := newEvent(t, store, chunk, Move{ToShard: "shard-b"})
	ctx := context.Background()

	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))
	require.NoError(t, ev.Transition(ctx, StateDataCopied, Change{}))

	moved := ev.Chunk()
	moved.Shard = "shard-b"
	moved.Version = moved.Version.IncMajor()
	require.NoError(t, ev.Transition(ctx, StateOwnershipReassigned, Change{Chunk: &moved}))

	persisted, ok := store.chunk(chunk.ID)
	require.True(t, ok)
	require.Equal(t, "shard-b", persisted.Shard)

	// the remote assignment failed: undo the local advance
	require.NoError(t, ev.RollbackOnce(ctx))
	require.Equal(t, StateDataCopied, ev.State())

	persisted, ok = store.chunk(chunk.ID)
	require.True(t, ok)
	require.Equal(t, chunk.Shard, persisted.Shard)
	require.Equal(t, chunk.Status, persisted.Status)
	require.Equal(t, chunk.Version, persisted.Version)
	require.Equal(t, chunk, ev.Chunk())
}

func TestEvent_PersistFailureKeepsState(t *testing.T) {
	store := newMemStore()
	ev := newEvent(t, store, testChunk(t, 0, 100), Offload{})
	store.failures = -1

	err := ev.Transition(context.Background(), StateOffloadCommitted, Change{})
	require.ErrorIs(t, err, ErrPersistFailed)
	require.ErrorIs(t, err, errStoreDown)
	require.Equal(t, StateStartOffload, ev.State())
	require.False(t, ev.CanRollback())
}

func TestEvent_PersistRetriesUntilAcknowledged(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	store.chunks[chunk.ID] = chunk

	ev, err := New(chunk, Offload{}, store, fastRetry(0))
	require.NoError(t, err)

	store.failures = 4
	require.NoError(t, ev.Transition(context.Background(), StateOffloadCommitted, Change{}))
	require.Equal(t, StateOffloadCommitted, ev.State())
	require.Equal(t, 5, store.calls)
}

func TestEvent_PersistGivesUpWhenContextDone(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	ev, err := New(chunk, Offload{}, store, fastRetry(0))
	require.NoError(t, err)

	store.failures = -1
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = ev.Transition(ctx, StateOffloadCommitted, Change{})
	require.ErrorIs(t, err, ErrPersistFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateStartOffload, ev.State())
}

func TestEvent_SplitMintsAndRollbackRemovesNewChunk(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	ev := newEvent(t, store, chunk, Split{SplitPoint: key(50)})
	ctx := context.Background()
	require.True(t, ev.HasNewChunkFlag())

	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))

	left := ev.Chunk()
	leftRange, err := model.NewChunkRange(key(0), key(50))
	require.NoError(t, err)
	left.Range = leftRange
	left.Version = left.Version.IncMinor()

	rightRange, err := model.NewChunkRange(key(50), key(100))
	require.NoError(t, err)
	right := model.NewChunk(chunk.NS, rightRange, left.Version.IncMinor(), chunk.Shard)

	require.NoError(t, ev.Transition(ctx, StateSplitCommitted, Change{Chunk: &left, NewChunk: &right}))

	_, ok := store.chunk(right.ID)
	require.True(t, ok)
	nc, ok := ev.NewChunk()
	require.True(t, ok)
	require.Equal(t, right, nc)

	require.NoError(t, ev.RollbackOnce(ctx))

	_, ok = store.chunk(right.ID)
	require.False(t, ok)
	restored, ok := store.chunk(chunk.ID)
	require.True(t, ok)
	require.Equal(t, chunk, restored)
	_, ok = ev.NewChunk()
	require.False(t, ok)
}

func TestEvent_RenameDropsSourceChunk(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	ev := newEvent(t, store, chunk, Rename{TargetNS: "db.target", DropTarget: true})
	ctx := context.Background()

	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))

	target := model.NewChunk("db.target", chunk.Range, chunk.Version.IncMajor(), chunk.Shard)
	require.NoError(t, ev.Transition(ctx, StateTargetCreated, Change{NewChunk: &target}))
	require.NoError(t, ev.Transition(ctx, StateSourceDropped, Change{Chunk: &target, ClearNewChunk: true}))

	_, ok := store.chunk(chunk.ID)
	require.False(t, ok)
	_, ok = store.chunk(target.ID)
	require.True(t, ok)
	require.Equal(t, chunk.ID, ev.ChunkID())
	require.Equal(t, target.ID, ev.Chunk().ID)
}

func TestEvent_RollbackRestoresDroppedChunks(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	ev := newEvent(t, store, chunk, Rename{TargetNS: "db.target", DropTarget: true})
	ctx := context.Background()

	sameID := testChunk(t, 0, 50)
	sameID.NS, sameID.ID = "db.target", model.GenID("db.target", key(0))
	overlap := testChunk(t, 50, 150)
	overlap.NS, overlap.ID = "db.target", model.GenID("db.target", key(50))
	store.chunks[sameID.ID] = sameID
	store.chunks[overlap.ID] = overlap

	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))

	target := model.NewChunk("db.target", chunk.Range, chunk.Version.IncMajor(), chunk.Shard)
	require.NoError(t, ev.Transition(ctx, StateTargetCreated, Change{NewChunk: &target, Drop: []model.Chunk{sameID, overlap}}))

	got, ok := store.chunk(target.ID)
	require.True(t, ok)
	require.Equal(t, target, got)
	_, ok = store.chunk(overlap.ID)
	require.False(t, ok)

	// the dropped chunks survive a restart
	b, err := ev.Marshal()
	require.NoError(t, err)
	restored, err := Unmarshal(b, store, fastRetry(3))
	require.NoError(t, err)

	require.NoError(t, restored.RollbackOnce(ctx))
	require.Equal(t, StateOffloadCommitted, restored.State())

	got, ok = store.chunk(sameID.ID)
	require.True(t, ok)
	require.Equal(t, sameID, got)
	got, ok = store.chunk(overlap.ID)
	require.True(t, ok)
	require.Equal(t, overlap, got)
	_, ok = store.chunk(chunk.ID)
	require.True(t, ok)
}

func TestEvent_DecodeResumesMidFlight(t *testing.T) {
	store := newMemStore()
	ev := newEvent(t, store, testChunk(t, 0, 100), Rename{TargetNS: "db.target", DropTarget: true, StayTemp: false})
	ctx := context.Background()

	require.NoError(t, ev.Transition(ctx, StateOffloadCommitted, Change{}))

	b, err := ev.Marshal()
	require.NoError(t, err)

	restored, err := Unmarshal(b, store, fastRetry(3))
	require.NoError(t, err)

	require.Equal(t, ev.ID(), restored.ID())
	require.Equal(t, ev.ChunkID(), restored.ChunkID())
	require.Equal(t, ev.Payload(), restored.Payload())
	require.Equal(t, StateOffloadCommitted, restored.State())
	require.Equal(t, StateStartOffload, restored.PreviousState())
	require.Equal(t, ev.Chunk(), restored.Chunk())
	require.True(t, restored.ShouldContinue())
	require.False(t, restored.IsInInitialState())
	require.True(t, restored.CanRollback())
	require.True(t, restored.HasNewChunkFlag())

	next, ok := restored.Next()
	require.True(t, ok)
	require.Equal(t, StateTargetCreated, next)

	require.NoError(t, restored.RollbackOnce(ctx))
	require.Equal(t, StateStartOffload, restored.State())
}

func TestEvent_DecodeUserCommandAndPayloads(t *testing.T) {
	store := newMemStore()
	payloads := []Payload{
		Move{ToShard: "shard-c", MaxChunkSizeBytes: 1 << 20, WaitForDelete: true},
		Assign{ToShard: "shard-c"},
		Split{SplitPoint: key(7)},
		Offload{},
	}

	for _, p := range payloads {
		chunk := testChunk(t, 0, 100)
		ev, err := New(chunk, p, store, WithUserCommand())
		require.NoError(t, err)

		restored, err := Decode(ev.Encode(), store)
		require.NoError(t, err)
		require.Equal(t, p, restored.Payload())
		require.True(t, restored.IsUserCommand())
		require.True(t, restored.IsInInitialState())
		require.False(t, restored.ShouldContinue())
		require.False(t, restored.CanRollback())
	}
}

func TestDecode_Errors(t *testing.T) {
	store := newMemStore()
	ev, err := New(testChunk(t, 0, 100), Move{ToShard: "shard-b"}, store)
	require.NoError(t, err)
	good := ev.Encode()

	replace := func(name string, value interface{}) bson.D {
		doc := make(bson.D, 0, len(good))
		for _, e := range good {
			if e.Key == name {
				if value == nil {
					continue
				}
				e.Value = value
			}
			doc = append(doc, e)
		}
		return doc
	}

	tests := []struct {
		name string
		doc  bson.D
		want error
	}{
		{name: "missing chunk", doc: replace("chunk", nil), want: model.ErrNoSuchKey},
		{name: "missing state", doc: replace("curState", nil), want: model.ErrNoSuchKey},
		{name: "state off path", doc: replace("curState", int32(StateSplitCommitted)), want: model.ErrBadValue},
		{name: "unknown type", doc: replace("balanceType", int32(42)), want: model.ErrBadValue},
		{name: "wrong type", doc: replace("toShard", int64(3)), want: model.ErrTypeMismatch},
		{name: "invalid chunk", doc: replace("chunk", bson.D{{Key: "_id", Value: "x"}}), want: model.ErrNoSuchKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.doc, store)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEvent_Refresh(t *testing.T) {
	store := newMemStore()
	chunk := testChunk(t, 0, 100)
	ev := newEvent(t, store, chunk, Offload{})

	updated := chunk
	updated.RootFolder = "/plog/9"
	require.NoError(t, ev.Refresh(updated))
	require.Equal(t, "/plog/9", ev.Chunk().RootFolder)

	other := testChunk(t, 100, 200)
	require.ErrorIs(t, ev.Refresh(other), ErrChunkMismatch)
}

func TestNew_RejectsInvalidChunk(t *testing.T) {
	chunk := testChunk(t, 0, 100)
	chunk.NS = ""

	_, err := New(chunk, Offload{}, newMemStore())
	require.ErrorIs(t, err, model.ErrInvalidChunk)
}
