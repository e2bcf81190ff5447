package master

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/exp/slices"

	"github.com/pyropy/chunkbalancer/core/event"
	"github.com/pyropy/chunkbalancer/core/model"
	"github.com/pyropy/chunkbalancer/core/policy"
	cmap "github.com/pyropy/chunkbalancer/lib/concurrent_map"
	"github.com/pyropy/chunkbalancer/lib/logger"
	"github.com/pyropy/chunkbalancer/lib/metrics"
	"github.com/pyropy/chunkbalancer/rpc/configsvr"
)

var log, _ = logger.New("configsvr")

var (
	ErrStaleChunk        = errors.New("chunk version is stale")
	ErrChunkDisabled     = errors.New("chunk is disabled")
	ErrChunkNotAssigned  = errors.New("chunk is not assigned")
	ErrChunkNotOffloaded = errors.New("chunk is not offloaded")
	ErrNoDestination     = errors.New("no destination shard available")
	ErrTargetExists      = errors.New("target chunk already exists")
)

// Executor runs balance requests as rebalance events. Each step first
// persists the next state together with the chunk documents it rewrites, then
// performs the remote part of the step on the shard. A failed remote part
// rolls the event back one step; the event is then either abandoned, when it
// is back in its initial state, or parked until ResumePending retries it.
type Executor struct {
	// mu serializes catalog writes so version bumps never collide.
	mu sync.Mutex

	store    *ChunkCatalogStore
	policy   *policy.Policy
	shards   ShardClient
	registry *event.Registry
	stalled  cmap.Map[string, *event.Event]
	metrics  *metrics.Collector
	opts     []event.Option

	// identity is written into every chunk this process changes.
	identity string
}

func NewExecutor(store *ChunkCatalogStore, p *policy.Policy, shards ShardClient, registry *event.Registry, m *metrics.Collector, retry event.RetryPolicy) *Executor {
	return &Executor{
		store:    store,
		policy:   p,
		shards:   shards,
		registry: registry,
		stalled:  cmap.NewMap[string, *event.Event](),
		metrics:  m,
		opts:     []event.Option{event.WithRetryPolicy(retry)},
		identity: uuid.NewString(),
	}
}

// Identity is the process identity stamped on the chunks this executor writes.
func (e *Executor) Identity() string {
	return e.identity
}

// Dispatch parses a balance command and executes it as an operator request.
func (e *Executor) Dispatch(ctx context.Context, cmd bson.D) (*event.Event, error) {
	req, err := configsvr.ParseFromCommand(cmd)
	if err != nil {
		e.metrics.RecordCommand("invalid", err)
		return nil, err
	}

	return e.Execute(ctx, req, true)
}

// Execute creates an event for req, registers it as the chunk's only active
// event and drives it to completion. The returned event is non-nil whenever
// one was created, even if driving it failed.
func (e *Executor) Execute(ctx context.Context, req configsvr.BalanceChunkRequest, userCommand bool) (*event.Event, error) {
	ev, err := e.execute(ctx, req, userCommand)
	e.metrics.RecordCommand(req.Type.String(), err)
	if err != nil {
		log.Infow("balance", "status", "request failed", "type", req.Type, "chunkID", req.Chunk.ID, "error", err)
	}

	return ev, err
}

func (e *Executor) execute(ctx context.Context, req configsvr.BalanceChunkRequest, userCommand bool) (*event.Event, error) {
	if err := req.ValidateForExecution(); err != nil {
		return nil, err
	}

	chunk, err := e.store.GetChunk(ctx, req.Chunk.ID)
	if err != nil {
		return nil, err
	}
	if chunk.Version != req.Chunk.Version {
		return nil, fmt.Errorf("%w: %s is at %s, request has %s", ErrStaleChunk, chunk.ID, chunk.Version, req.Chunk.Version)
	}
	if err := checkStatus(req.Type, chunk); err != nil {
		return nil, err
	}
	if e.registry.IsActive(chunk.ID) {
		e.metrics.RecordLockConflict()
		return nil, fmt.Errorf("%w: %s", event.ErrLockConflict, chunk.ID)
	}

	payload, err := e.resolvePayload(ctx, req, chunk, userCommand)
	if err != nil {
		return nil, err
	}
	if err := e.checkTargets(ctx, payload, chunk); err != nil {
		return nil, err
	}

	opts := e.opts
	if userCommand {
		opts = append(slices.Clone(opts), event.WithUserCommand())
	}

	ev, err := event.New(chunk, payload, e.store, opts...)
	if err != nil {
		return nil, err
	}
	if err := e.registry.Register(ev); err != nil {
		e.metrics.RecordLockConflict()
		return nil, err
	}
	if err := ev.Start(ctx); err != nil {
		e.registry.Release(ev)
		return nil, err
	}
	e.metrics.SetActiveEvents(e.registry.Len())

	log.Infow("balance", "status", "event started", "eventID", ev.ID(), "type", ev.Type(), "chunkID", chunk.ID, "userCommand", userCommand)

	return ev, e.drive(ctx, ev, false)
}

func checkStatus(t model.BalanceType, c model.Chunk) error {
	if c.Status == model.ChunkStatusDisabled {
		return fmt.Errorf("%w: %s", ErrChunkDisabled, c.ID)
	}

	switch t {
	case model.BalanceTypeAssign:
		if c.Status != model.ChunkStatusOffloaded {
			return fmt.Errorf("%w: %s is %s", ErrChunkNotOffloaded, c.ID, c.Status)
		}
	case model.BalanceTypeMove:
	default:
		if !c.IsAssigned() {
			return fmt.Errorf("%w: %s is %s", ErrChunkNotAssigned, c.ID, c.Status)
		}
	}

	return nil
}

// resolvePayload fills in the destination of a rebalance and checks that the
// destination of a move or assign is allowed. Operator commands naming a
// destination skip the check.
func (e *Executor) resolvePayload(ctx context.Context, req configsvr.BalanceChunkRequest, chunk model.Chunk, userCommand bool) (event.Payload, error) {
	switch p := req.Payload().(type) {
	case event.Move:
		if p.ToShard == "" {
			candidate, err := e.policy.SelectSpecificChunkToMove(ctx, chunk.ID)
			if err != nil {
				return nil, err
			}
			if candidate == nil {
				return nil, fmt.Errorf("%w: %s", ErrNoDestination, chunk.ID)
			}
			p.ToShard = candidate.To
		} else if userCommand {
			return p, nil
		}
		if err := e.policy.CheckMoveAllowed(ctx, chunk, p.ToShard); err != nil {
			return nil, err
		}
		return p, nil

	case event.Assign:
		if userCommand {
			return p, nil
		}
		if err := e.policy.CheckMoveAllowed(ctx, chunk, p.ToShard); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return p, nil
	}
}

// checkTargets refuses a split or rename whose new chunk would collide with
// the catalog. It runs before any shard is contacted.
func (e *Executor) checkTargets(ctx context.Context, payload event.Payload, chunk model.Chunk) error {
	switch p := payload.(type) {
	case event.Split:
		if _, err := model.NewChunkRange(chunk.Min(), p.SplitPoint); err != nil {
			return err
		}
		if _, err := model.NewChunkRange(p.SplitPoint, chunk.Max()); err != nil {
			return err
		}
		return e.checkAbsent(ctx, model.GenID(chunk.NS, p.SplitPoint))

	case event.Rename:
		overlapping, err := e.overlapping(ctx, p.TargetNS, chunk.Range)
		if err != nil {
			return err
		}
		if len(overlapping) > 0 && !p.DropTarget {
			return fmt.Errorf("%w: %s overlaps %s in %s", ErrTargetExists, chunk.Range, overlapping[0].ID, p.TargetNS)
		}
		for _, c := range overlapping {
			if e.registry.IsActive(c.ID) {
				e.metrics.RecordLockConflict()
				return fmt.Errorf("%w: %s", event.ErrLockConflict, c.ID)
			}
		}
	}

	return nil
}

func (e *Executor) checkAbsent(ctx context.Context, chunkID string) error {
	_, err := e.store.GetChunk(ctx, chunkID)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrTargetExists, chunkID)
	case errors.Is(err, ErrChunkNotFound):
		return nil
	default:
		return err
	}
}

// overlapping lists the chunks of ns whose range overlaps r.
func (e *Executor) overlapping(ctx context.Context, ns string, r model.ChunkRange) ([]model.Chunk, error) {
	chunks, err := e.store.ListChunks(ctx, ns)
	if err != nil {
		return nil, err
	}

	var out []model.Chunk
	for _, c := range chunks {
		if c.Range.Overlaps(r) {
			out = append(out, c)
		}
	}

	return out, nil
}

// drive advances ev until it is finished. With replay set, the remote part of
// the current state is repeated first, as after a restart nothing tells
// whether it ran.
func (e *Executor) drive(ctx context.Context, ev *event.Event, replay bool) error {
	if replay && !ev.IsInInitialState() && !ev.IsFinished() {
		if err := e.runStep(ctx, ev); err != nil {
			return e.fail(ctx, ev, err)
		}
	}

	for {
		next, ok := ev.Next()
		if !ok {
			e.finish(ctx, ev)
			return nil
		}

		// the remote part of the current state already ran, so a failed
		// advance keeps the event where it is
		if err := e.advance(ctx, ev, next); err != nil {
			log.Warnw("balance", "status", "advance failed", "eventID", ev.ID(), "type", ev.Type(), "state", ev.State(), "next", next, "error", err)
			e.park(ctx, ev)
			return err
		}

		if err := e.runStep(ctx, ev); err != nil {
			return e.fail(ctx, ev, err)
		}
	}
}

func (e *Executor) advance(ctx context.Context, ev *event.Event, next event.State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	change, err := e.plan(ctx, ev, next)
	if err != nil {
		return err
	}
	if change.Chunk != nil {
		change.Chunk.ProcessIdentity = e.identity
	}
	if change.NewChunk != nil {
		change.NewChunk.ProcessIdentity = e.identity
	}

	if err := ev.Transition(ctx, next, change); err != nil {
		return err
	}

	e.metrics.RecordTransition(ev.Type().String(), next.String())
	log.Debugw("balance", "status", "transition", "eventID", ev.ID(), "type", ev.Type(), "state", next)

	return nil
}

// plan computes how entering next rewrites the event's chunks.
func (e *Executor) plan(ctx context.Context, ev *event.Event, next event.State) (event.Change, error) {
	c := ev.Chunk()

	switch next {
	case event.StateOffloadCommitted:
		c.Status = model.ChunkStatusOffloaded
		return event.Change{Chunk: &c}, nil

	case event.StateOwnershipReassigned:
		p := ev.Payload().(event.Move)
		version, err := e.nextMajor(ctx, c)
		if err != nil {
			return event.Change{}, err
		}
		c.Shard = p.ToShard
		c.Version = version
		return event.Change{Chunk: &c}, nil

	case event.StateSplitCommitted:
		return e.planSplit(ctx, c, ev.Payload().(event.Split))

	case event.StateTargetCreated:
		return e.planRename(ctx, c, ev.Payload().(event.Rename))

	case event.StateSourceDropped:
		target, ok := ev.NewChunk()
		if !ok {
			return event.Change{}, fmt.Errorf("rename event %s has no target chunk", ev.ID())
		}
		return event.Change{Chunk: &target, ClearNewChunk: true}, nil

	case event.StateStartAssign:
		switch p := ev.Payload().(type) {
		case event.Split:
			right, ok := ev.NewChunk()
			if !ok {
				return event.Change{}, fmt.Errorf("split event %s has no new chunk", ev.ID())
			}
			right.Status = model.ChunkStatusAssigned
			return event.Change{NewChunk: &right}, nil
		case event.Assign:
			version, err := e.nextMajor(ctx, c)
			if err != nil {
				return event.Change{}, err
			}
			c.Shard = p.ToShard
			c.Version = version
			return event.Change{Chunk: &c}, nil
		}

	case event.StateAssigned:
		if ev.Type() != model.BalanceTypeOffload {
			c.Status = model.ChunkStatusAssigned
			return event.Change{Chunk: &c}, nil
		}
	}

	return event.Change{}, nil
}

func (e *Executor) planSplit(ctx context.Context, c model.Chunk, p event.Split) (event.Change, error) {
	version, err := e.nextMinor(ctx, c)
	if err != nil {
		return event.Change{}, err
	}

	leftRange, err := model.NewChunkRange(c.Min(), p.SplitPoint)
	if err != nil {
		return event.Change{}, err
	}
	rightRange, err := model.NewChunkRange(p.SplitPoint, c.Max())
	if err != nil {
		return event.Change{}, err
	}

	left := c
	left.Range = leftRange
	left.Version = version

	right := model.NewChunk(c.NS, rightRange, version.IncMinor(), c.Shard)
	right.RootFolder = c.RootFolder

	if err := e.checkAbsent(ctx, right.ID); err != nil {
		return event.Change{}, err
	}

	return event.Change{Chunk: &left, NewChunk: &right}, nil
}

func (e *Executor) planRename(ctx context.Context, c model.Chunk, p event.Rename) (event.Change, error) {
	version, err := e.store.HighestVersion(ctx, p.TargetNS)
	if err != nil {
		return event.Change{}, err
	}
	if version.IsSet() {
		version = version.IncMajor()
	} else {
		version = model.NewChunkVersion(1, 0, primitive.NewObjectID())
	}

	target := model.NewChunk(p.TargetNS, c.Range, version, c.Shard)
	target.RootFolder = c.RootFolder

	overlapping, err := e.overlapping(ctx, p.TargetNS, c.Range)
	if err != nil {
		return event.Change{}, err
	}
	if len(overlapping) > 0 && !p.DropTarget {
		return event.Change{}, fmt.Errorf("%w: %s overlaps %s in %s", ErrTargetExists, c.Range, overlapping[0].ID, p.TargetNS)
	}

	return event.Change{NewChunk: &target, Drop: overlapping}, nil
}

// runStep performs the remote part of the event's current state.
func (e *Executor) runStep(ctx context.Context, ev *event.Event) error {
	c := ev.Chunk()

	switch ev.State() {
	case event.StateOffloadCommitted:
		return e.shards.CommitOffload(ctx, c.Shard, c)

	case event.StateDataCopied:
		p := ev.Payload().(event.Move)
		return e.shards.CopyData(ctx, c.Shard, p.ToShard, c, p.MaxChunkSizeBytes, p.WaitForDelete)

	case event.StateSplitCommitted:
		return e.shards.SplitChunk(ctx, c.Shard, c, ev.Payload().(event.Split).SplitPoint)

	case event.StateTargetCreated:
		p := ev.Payload().(event.Rename)
		target, ok := ev.NewChunk()
		if !ok {
			return fmt.Errorf("rename event %s has no target chunk", ev.ID())
		}
		return e.shards.RenameChunk(ctx, c.Shard, c, target, p.DropTarget, p.StayTemp)

	case event.StateSourceDropped:
		return e.shards.DropChunk(ctx, c.Shard, ev.ChunkID())

	case event.StateStartAssign:
		if right, ok := ev.NewChunk(); ok && ev.Type() == model.BalanceTypeSplit {
			return e.shards.AssignChunk(ctx, right.Shard, right)
		}

	case event.StateAssigned:
		if ev.Type() != model.BalanceTypeOffload {
			return e.shards.AssignChunk(ctx, c.Shard, c)
		}
	}

	return nil
}

// fail rolls ev back one step after its remote step failed and parks it.
func (e *Executor) fail(ctx context.Context, ev *event.Event, cause error) error {
	log.Warnw("balance", "status", "step failed", "eventID", ev.ID(), "type", ev.Type(), "state", ev.State(), "error", cause)

	if ev.CanRollback() {
		e.mu.Lock()
		err := ev.RollbackOnce(ctx)
		e.mu.Unlock()
		if err != nil {
			e.park(ctx, ev)
			return errors.Join(cause, err)
		}

		e.metrics.RecordRollback(ev.Type().String())
		log.Infow("balance", "status", "rolled back", "eventID", ev.ID(), "state", ev.State(), "from", ev.PreviousState())
	}

	e.park(ctx, ev)
	return cause
}

// park abandons an event that never changed its chunk and keeps any other for
// ResumePending.
func (e *Executor) park(ctx context.Context, ev *event.Event) {
	if ev.IsInInitialState() {
		e.abandon(ctx, ev)
		return
	}

	e.stalled.Set(ev.ChunkID(), ev)
}

func (e *Executor) abandon(ctx context.Context, ev *event.Event) {
	e.release(ctx, ev)
	log.Infow("balance", "status", "event abandoned", "eventID", ev.ID(), "type", ev.Type(), "chunkID", ev.ChunkID())
}

func (e *Executor) finish(ctx context.Context, ev *event.Event) {
	e.release(ctx, ev)
	log.Infow("balance", "status", "event finished", "eventID", ev.ID(), "type", ev.Type(), "chunkID", ev.Chunk().ID)
}

func (e *Executor) release(ctx context.Context, ev *event.Event) {
	if err := e.store.DeleteEvent(ctx, ev.ID()); err != nil && !errors.Is(err, ErrUnknownEvent) {
		// Recover cleans finished and initial events left behind
		log.Warnw("balance", "status", "event document not removed", "eventID", ev.ID(), "error", err)
	}

	e.stalled.Delete(ev.ChunkID())
	e.registry.Release(ev)
	e.metrics.SetActiveEvents(e.registry.Len())
}

// ResumePending retries every parked event once, in chunk id order.
func (e *Executor) ResumePending(ctx context.Context) (int, error) {
	pending := make([]*event.Event, 0)
	e.stalled.Range(func(_ string, ev *event.Event) bool {
		pending = append(pending, ev)
		return true
	})
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].ChunkID() < pending[j].ChunkID()
	})

	var errs []error
	resumed := 0
	for _, ev := range pending {
		e.stalled.Delete(ev.ChunkID())
		if err := e.drive(ctx, ev, true); err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID(), err))
			continue
		}
		resumed++
	}

	return resumed, errors.Join(errs...)
}

// Recover loads the events persisted before a restart. Events still in their
// initial state are abandoned, finished ones are cleaned up and the rest are
// resumed from the state they were persisted in.
func (e *Executor) Recover(ctx context.Context) error {
	events, err := e.store.LoadEvents(ctx, e.opts...)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if c, err := e.store.GetChunk(ctx, ev.Chunk().ID); err == nil {
			if err := ev.Refresh(c); err != nil {
				log.Warnw("recovery", "status", "chunk not refreshed", "eventID", ev.ID(), "chunkID", c.ID, "error", err)
			}
		} else {
			log.Warnw("recovery", "status", "chunk not re-read", "eventID", ev.ID(), "chunkID", ev.Chunk().ID, "error", err)
		}

		if err := e.registry.Register(ev); err != nil {
			log.Errorw("recovery", "status", "duplicate event", "eventID", ev.ID(), "chunkID", ev.ChunkID(), "error", err)
			e.metrics.RecordRecovered("conflict")
			continue
		}

		switch {
		case ev.IsInInitialState():
			e.abandon(ctx, ev)
			e.metrics.RecordRecovered("abandoned")
		case ev.IsFinished():
			e.finish(ctx, ev)
			e.metrics.RecordRecovered("cleaned")
		default:
			log.Infow("recovery", "status", "resuming event", "eventID", ev.ID(), "type", ev.Type(), "state", ev.State(), "lastWriter", ev.Chunk().Identity())
			if err := e.drive(ctx, ev, true); err != nil {
				log.Errorw("recovery", "status", "resume failed", "eventID", ev.ID(), "error", err)
				e.metrics.RecordRecovered("failed")
				continue
			}
			e.metrics.RecordRecovered("resumed")
		}
	}

	e.metrics.SetActiveEvents(e.registry.Len())

	return nil
}

// Pending returns the parked events ordered by chunk id.
func (e *Executor) Pending() []*event.Event {
	out := make([]*event.Event, 0)
	e.stalled.Range(func(_ string, ev *event.Event) bool {
		out = append(out, ev)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChunkID() < out[j].ChunkID()
	})

	return out
}

func (e *Executor) nextMajor(ctx context.Context, c model.Chunk) (model.ChunkVersion, error) {
	highest, err := e.highest(ctx, c)
	if err != nil {
		return model.ChunkVersion{}, err
	}

	return highest.IncMajor(), nil
}

func (e *Executor) nextMinor(ctx context.Context, c model.Chunk) (model.ChunkVersion, error) {
	highest, err := e.highest(ctx, c)
	if err != nil {
		return model.ChunkVersion{}, err
	}

	return highest.IncMinor(), nil
}

func (e *Executor) highest(ctx context.Context, c model.Chunk) (model.ChunkVersion, error) {
	highest, err := e.store.HighestVersion(ctx, c.NS)
	if err != nil {
		return model.ChunkVersion{}, err
	}
	if !highest.IsSet() || highest.Epoch != c.Version.Epoch || highest.IsOlderThan(c.Version) {
		highest = c.Version
	}

	return highest, nil
}
