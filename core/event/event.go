package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/model"
)

// Store persists event documents together with the chunk documents a step
// rewrites. A single call must be atomic: either the event document, every
// chunk in put and every removal land, or none of them do.
type Store interface {
	PersistEvent(ctx context.Context, eventID string, doc bson.D, put []model.Chunk, remove []string) error
}

// Change describes how a transition rewrites the chunks owned by an event.
// Nil fields leave the corresponding chunk untouched.
type Change struct {
	// Chunk replaces the event chunk.
	Chunk *model.Chunk
	// NewChunk sets the chunk minted by this event.
	NewChunk *model.Chunk
	// ClearNewChunk forgets the minted chunk without removing it from the
	// catalog. Used when the minted chunk becomes the event chunk.
	ClearNewChunk bool
	// Drop deletes chunks the event does not own, such as the chunks a rename
	// replaces. Rolling the transition back writes them again.
	Drop []model.Chunk
}

type snapshot struct {
	state    State
	chunk    model.Chunk
	newChunk *model.Chunk
	// dropped holds the chunks deleted by the transition into state.
	dropped []model.Chunk
}

func (s snapshot) chunkIDs() map[string]struct{} {
	ids := map[string]struct{}{s.chunk.ID: {}}
	if s.newChunk != nil {
		ids[s.newChunk.ID] = struct{}{}
	}

	return ids
}

func (s snapshot) chunks() []model.Chunk {
	out := []model.Chunk{s.chunk}
	if s.newChunk != nil {
		out = append(out, *s.newChunk)
	}

	return out
}

func (s snapshot) apply(next State, change Change) snapshot {
	out := snapshot{state: next, chunk: s.chunk, newChunk: s.newChunk, dropped: change.Drop}
	if change.Chunk != nil {
		out.chunk = *change.Chunk
	}
	if change.ClearNewChunk {
		out.newChunk = nil
	}
	if change.NewChunk != nil {
		nc := *change.NewChunk
		out.newChunk = &nc
	}

	return out
}

// Event is a durable state machine driving one chunk through an offload,
// move, split, rename or assign. Each transition is persisted together with
// the chunk documents it changes before the in-memory state advances, and the
// immediately preceding transition can be undone once with RollbackOnce.
type Event struct {
	mu sync.Mutex

	id          string
	chunkID     string
	payload     Payload
	userCommand bool

	current   snapshot
	prevState State
	rollback  *snapshot

	store Store
	retry RetryPolicy
}

// Option customizes an Event.
type Option func(*Event)

// WithRetryPolicy replaces the persistence retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Event) {
		e.retry = p
	}
}

// WithUserCommand marks the event as requested by an operator.
func WithUserCommand() Option {
	return func(e *Event) {
		e.userCommand = true
	}
}

// New creates an event in its initial state for chunk. The chunk must be valid.
func New(chunk model.Chunk, payload Payload, store Store, opts ...Option) (*Event, error) {
	if err := chunk.Validate(); err != nil {
		return nil, err
	}
	if payload == nil || !payload.Type().IsValid() {
		return nil, fmt.Errorf("%w: missing event payload", model.ErrBadValue)
	}

	e := &Event{
		id:        uuid.NewString(),
		chunkID:   chunk.ID,
		payload:   payload,
		current:   snapshot{state: initialState, chunk: chunk},
		prevState: initialState,
		store:     store,
		retry:     DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func (e *Event) ID() string {
	return e.id
}

// ChunkID is the id of the chunk the event was created for. It stays the
// event's lock key even after a rename gives the chunk a new id.
func (e *Event) ChunkID() string {
	return e.chunkID
}

func (e *Event) Type() model.BalanceType {
	return e.payload.Type()
}

func (e *Event) Payload() Payload {
	return e.payload
}

func (e *Event) IsUserCommand() bool {
	return e.userCommand
}

func (e *Event) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.current.state
}

func (e *Event) PreviousState() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.prevState
}

// Chunk returns the event chunk as of the last persisted step.
func (e *Event) Chunk() model.Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.current.chunk
}

// NewChunk returns the chunk minted by a split or rename, once created.
func (e *Event) NewChunk() (model.Chunk, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current.newChunk == nil {
		return model.Chunk{}, false
	}

	return *e.current.newChunk, true
}

// HasNewChunkFlag reports whether the event mints a new chunk id on completion.
func (e *Event) HasNewChunkFlag() bool {
	return hasNewChunk(e.payload.Type())
}

func (e *Event) IsInInitialState() bool {
	return e.State() == initialState
}

func (e *Event) IsFinished() bool {
	return e.State() == finalState
}

// ShouldContinue reports whether a rehydrated event has partially completed
// work that must be resumed. Events still in the initial state never touched
// the chunk and may be discarded instead.
func (e *Event) ShouldContinue() bool {
	s := e.State()
	return s != initialState && s != finalState
}

func (e *Event) CanRollback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rollback != nil
}

// Next returns the successor of the current state, if any.
func (e *Event) Next() (State, bool) {
	return Next(e.payload.Type(), e.State())
}

// Start persists the event in its initial state.
func (e *Event) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.persist(ctx, e.encodeLocked(), nil, nil)
}

// Transition advances the event to next and applies change to its chunks.
// The new state and the chunk documents are written in one store call; the
// in-memory event only advances once that write is acknowledged.
func (e *Event) Transition(ctx context.Context, next State, change Change) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.current.state
	if want, ok := Next(e.payload.Type(), from); !ok || want != next {
		return fmt.Errorf("%w: %s event cannot go from %s to %s", ErrIllegalTransition, e.payload.Type(), from, next)
	}

	target := e.current.apply(next, change)
	for _, c := range target.chunks() {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%s event step %s: %w", e.payload.Type(), next, err)
		}
	}

	before := e.current
	slot := before

	doc := encodeDocument(e, target, from, &slot)
	put, remove := diffChunks(before, target, nil)
	owned := target.chunkIDs()
	for _, c := range change.Drop {
		if _, ok := owned[c.ID]; !ok {
			remove = append(remove, c.ID)
		}
	}
	if err := e.persist(ctx, doc, put, remove); err != nil {
		return err
	}

	e.current = target
	e.prevState = from
	e.rollback = &slot

	return nil
}

// RollbackOnce undoes the last transition, restoring the previous state and
// the chunk documents it had. Only one level of rollback is kept.
func (e *Event) RollbackOnce(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rollback == nil {
		return ErrNoRollbackAvailable
	}

	restored := *e.rollback
	rolledBackFrom := e.current.state

	doc := encodeDocument(e, restored, rolledBackFrom, nil)
	put, remove := diffChunks(e.current, restored, e.current.dropped)
	if err := e.persist(ctx, doc, put, remove); err != nil {
		return err
	}

	e.current = restored
	e.prevState = rolledBackFrom
	e.rollback = nil

	return nil
}

// Refresh replaces the in-memory chunk snapshot with a copy re-read from the
// catalog, for example after a restart. The chunk id must match.
func (e *Event) Refresh(chunk model.Chunk) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case chunk.ID == e.current.chunk.ID:
		e.current.chunk = chunk
	case e.current.newChunk != nil && chunk.ID == e.current.newChunk.ID:
		nc := chunk
		e.current.newChunk = &nc
	default:
		return fmt.Errorf("%w: %s is not part of event %s", ErrChunkMismatch, chunk.ID, e.id)
	}

	return nil
}

func (e *Event) persist(ctx context.Context, doc bson.D, put []model.Chunk, remove []string) error {
	var delay time.Duration
	for attempt := 1; ; attempt++ {
		err := e.store.PersistEvent(ctx, e.id, doc, put, remove)
		if err == nil {
			return nil
		}

		if e.retry.MaxAttempts > 0 && attempt >= e.retry.MaxAttempts {
			return fmt.Errorf("%w %s after %d attempts: %w", ErrPersistFailed, e.id, attempt, err)
		}

		delay = e.retry.next(delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w %s: %w", ErrPersistFailed, e.id, errors.Join(err, ctx.Err()))
		case <-timer.C:
		}
	}
}

// diffChunks lists the chunks to write and the chunk ids to delete to move
// the catalog from one snapshot to the other. Chunks in restore are written
// as well and are never deleted.
func diffChunks(from, to snapshot, restore []model.Chunk) ([]model.Chunk, []string) {
	put := append(to.chunks(), restore...)

	keep := make(map[string]struct{}, len(put))
	for _, c := range put {
		keep[c.ID] = struct{}{}
	}

	var remove []string
	for id := range from.chunkIDs() {
		if _, ok := keep[id]; !ok {
			remove = append(remove, id)
		}
	}

	return put, remove
}
