package event

import (
	"fmt"
	"sort"

	cmap "github.com/pyropy/chunkbalancer/lib/concurrent_map"
)

// Registry tracks the active event of every chunk. At most one event may be
// registered per chunk id; the document-level lock on the catalog entry is
// held by whoever registered the event until it is released.
type Registry struct {
	events cmap.Map[string, *Event]
}

func NewRegistry() *Registry {
	return &Registry{
		events: cmap.NewMap[string, *Event](),
	}
}

// Register claims ev.ChunkID() for ev. It fails with ErrLockConflict when
// another event already holds the chunk.
func (r *Registry) Register(ev *Event) error {
	actual, loaded := r.events.SetIfAbsent(ev.ChunkID(), ev)
	if loaded && actual != ev {
		return fmt.Errorf("%w: chunk %s is held by event %s", ErrLockConflict, ev.ChunkID(), actual.ID())
	}

	return nil
}

// Release drops ev from the registry if it is the chunk's active event.
func (r *Registry) Release(ev *Event) {
	if current, ok := r.events.Get(ev.ChunkID()); ok && *current == ev {
		r.events.Delete(ev.ChunkID())
	}
}

// Get returns the active event registered for chunkID.
func (r *Registry) Get(chunkID string) (*Event, bool) {
	ev, ok := r.events.Get(chunkID)
	if !ok {
		return nil, false
	}

	return *ev, true
}

// IsActive reports whether chunkID is held by an event, either as the chunk
// the event was registered for or as a chunk the event has since produced.
func (r *Registry) IsActive(chunkID string) bool {
	if _, ok := r.events.Get(chunkID); ok {
		return true
	}

	active := false
	r.events.Range(func(_ string, ev *Event) bool {
		if ev.Chunk().ID == chunkID {
			active = true
		} else if nc, ok := ev.NewChunk(); ok && nc.ID == chunkID {
			active = true
		}
		return !active
	})

	return active
}

func (r *Registry) Len() int {
	return r.events.Len()
}

// Events returns the registered events ordered by chunk id.
func (r *Registry) Events() []*Event {
	out := make([]*Event, 0, r.events.Len())
	r.events.Range(func(_ string, ev *Event) bool {
		out = append(out, ev)
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		return out[i].ChunkID() < out[j].ChunkID()
	})

	return out
}
