package policy

import (
	"context"
	"fmt"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/pyropy/chunkbalancer/core/model"
)

// ChunkLister reads chunks from the catalog.
type ChunkLister interface {
	Namespaces(ctx context.Context) ([]string, error)
	ListChunks(ctx context.Context, ns string) ([]model.Chunk, error)
	GetChunk(ctx context.Context, chunkID string) (model.Chunk, error)
}

// InFlight reports whether a chunk already has an active rebalance event.
type InFlight interface {
	IsActive(chunkID string) bool
}

// Config holds the thresholds of the move selection.
type Config struct {
	// MinCPUGap is the smallest max-min CPU gap worth a conservative move.
	MinCPUGap float64
	// AggressiveCPUGap replaces MinCPUGap on aggressive passes.
	AggressiveCPUGap float64
	// ChunkCountThreshold is the largest chunk-count surplus a destination
	// may reach over its source after a conservative move.
	ChunkCountThreshold int
	// AggressiveChunkCountThreshold replaces ChunkCountThreshold on
	// aggressive passes.
	AggressiveChunkCountThreshold int
	// MaxMovesPerRound caps the candidates returned by one selection.
	MaxMovesPerRound int
}

func DefaultConfig() Config {
	return Config{
		MinCPUGap:                     0.2,
		AggressiveCPUGap:              0.05,
		ChunkCountThreshold:           2,
		AggressiveChunkCountThreshold: 8,
		MaxMovesPerRound:              4,
	}
}

// MoveCandidate proposes moving Chunk from shard From to shard To.
type MoveCandidate struct {
	NS      string
	ChunkID string
	From    string
	To      string
	Chunk   model.Chunk
}

// SplitCandidate reports the keys at which Chunk must be split so that no
// chunk straddles a tag zone boundary.
type SplitCandidate struct {
	NS          string
	ChunkID     string
	Chunk       model.Chunk
	SplitPoints []bson.D
}

// Policy decides which chunks to split and move. Every selection takes one
// statistics snapshot and is deterministic for a given snapshot, chunk set and
// zone configuration.
type Policy struct {
	cfg      Config
	chunks   ChunkLister
	stats    ClusterStatistics
	zones    TagZoneCatalog
	inFlight InFlight
	log      *zap.SugaredLogger
}

func New(cfg Config, chunks ChunkLister, stats ClusterStatistics, zones TagZoneCatalog, inFlight InFlight, log *zap.SugaredLogger) *Policy {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Policy{
		cfg:      cfg,
		chunks:   chunks,
		stats:    stats,
		zones:    zones,
		inFlight: inFlight,
		log:      log,
	}
}

// SelectChunksToSplit lists assigned chunks whose range crosses a zone
// boundary, ordered by namespace and range.
func (p *Policy) SelectChunksToSplit(ctx context.Context) ([]SplitCandidate, error) {
	namespaces, err := p.namespaces(ctx)
	if err != nil {
		return nil, err
	}

	var out []SplitCandidate
	for _, ns := range namespaces {
		zones, err := p.zones.Zones(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("zones of %s: %w", ns, err)
		}
		if len(zones) == 0 {
			continue
		}

		chunks, err := p.chunks.ListChunks(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("chunks of %s: %w", ns, err)
		}
		sortByRange(chunks)

		for _, c := range chunks {
			if !c.IsAssigned() {
				continue
			}

			points := boundariesInside(c.Range, zones)
			if len(points) == 0 {
				continue
			}

			out = append(out, SplitCandidate{NS: ns, ChunkID: c.ID, Chunk: c, SplitPoints: points})
		}
	}

	return out, nil
}

// SelectChunksToMove levels CPU load. It repeatedly pairs the most and least
// loaded unused shards and moves from the former the chunk whose usage best
// closes the gap between them. Each shard takes part in at most one move per
// selection. Aggressive selection accepts smaller gaps and larger chunk-count
// imbalance.
func (p *Policy) SelectChunksToMove(ctx context.Context, aggressive bool) ([]MoveCandidate, error) {
	v, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	shards := v.availableShards()
	if len(shards) < 2 {
		return nil, nil
	}

	st, err := p.loadState(ctx, v)
	if err != nil {
		return nil, err
	}

	minGap, countThreshold := p.cfg.MinCPUGap, p.cfg.ChunkCountThreshold
	if aggressive {
		minGap, countThreshold = p.cfg.AggressiveCPUGap, p.cfg.AggressiveChunkCountThreshold
	}

	// most loaded first, then lowest id
	slices.SortFunc(shards, func(a, b ShardStatistics) int {
		if a.CPUUsage != b.CPUUsage {
			if a.CPUUsage > b.CPUUsage {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ShardID, b.ShardID)
	})

	var out []MoveCandidate
	lo, hi := 0, len(shards)-1
	for lo < hi && len(out) < p.maxMoves() {
		src, dst := shards[lo], shards[hi]
		gap := src.CPUUsage - dst.CPUUsage
		if gap < minGap || gap <= 0 {
			break
		}

		best, found := p.bestMove(st, src.ShardID, dst.ShardID, gap, countThreshold)
		if !found {
			p.log.Debugw("policy", "status", "no movable chunk", "from", src.ShardID, "to", dst.ShardID)
			lo++
			continue
		}

		out = append(out, best)
		st.counts[src.ShardID]--
		st.counts[dst.ShardID]++
		lo++
		hi--
	}

	return out, nil
}

// bestMove scores the movable chunks of src by how much they reduce the CPU
// gap to dst: gap - |gap - 2*usage|. The highest score wins and the lowest
// chunk id breaks ties. Chunks that do not reduce the gap are skipped.
func (p *Policy) bestMove(st *loadState, src, dst string, gap float64, countThreshold int) (MoveCandidate, bool) {
	if (st.counts[dst]+1)-(st.counts[src]-1) > countThreshold {
		return MoveCandidate{}, false
	}

	var (
		best      MoveCandidate
		bestScore float64
		found     bool
	)
	for _, c := range st.movable[src] {
		if _, ok := zoneAllows(c.Range, st.zones[c.NS], dst); !ok {
			continue
		}

		u := st.usage[c.ID]
		score := gap - math.Abs(gap-2*u)
		if score <= 0 {
			continue
		}
		// movable chunks are sorted by id, so only a strictly better score wins
		if !found || score > bestScore {
			best = MoveCandidate{NS: c.NS, ChunkID: c.ID, From: src, To: dst, Chunk: c}
			bestScore = score
			found = true
		}
	}

	return best, found
}

// SelectMinThroughputChunksToMove consolidates cold data: the least used
// movable chunks are moved, lowest usage first, onto the least loaded shard
// that may own them.
func (p *Policy) SelectMinThroughputChunksToMove(ctx context.Context) ([]MoveCandidate, error) {
	v, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	shards := v.availableShards()
	if len(shards) < 2 {
		return nil, nil
	}

	st, err := p.loadState(ctx, v)
	if err != nil {
		return nil, err
	}

	// least loaded first, then lowest id
	slices.SortFunc(shards, func(a, b ShardStatistics) int {
		if a.CPUUsage != b.CPUUsage {
			if a.CPUUsage < b.CPUUsage {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ShardID, b.ShardID)
	})

	var candidates []model.Chunk
	for _, chunks := range st.movable {
		candidates = append(candidates, chunks...)
	}
	slices.SortFunc(candidates, func(a, b model.Chunk) int {
		ua, ub := st.usage[a.ID], st.usage[b.ID]
		if ua != ub {
			if ua < ub {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})

	var out []MoveCandidate
	for _, c := range candidates {
		if len(out) >= p.maxMoves() {
			break
		}

		for _, dst := range shards {
			if dst.ShardID == c.Shard {
				continue
			}
			if _, ok := zoneAllows(c.Range, st.zones[c.NS], dst.ShardID); !ok {
				continue
			}
			if (st.counts[dst.ShardID]+1)-(st.counts[c.Shard]-1) > p.cfg.ChunkCountThreshold {
				continue
			}

			out = append(out, MoveCandidate{NS: c.NS, ChunkID: c.ID, From: c.Shard, To: dst.ShardID, Chunk: c})
			st.counts[c.Shard]--
			st.counts[dst.ShardID]++
			break
		}
	}

	return out, nil
}

// SelectSpecificChunkToMove picks a destination for an operator-requested
// move of chunkID: the least loaded shard other than the owner that the
// chunk's zones admit. It returns nil when the chunk is jumbo, disabled,
// already in flight or has nowhere to go.
func (p *Policy) SelectSpecificChunkToMove(ctx context.Context, chunkID string) (*MoveCandidate, error) {
	c, err := p.chunks.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrChunkNotFound, chunkID, err)
	}

	if c.Jumbo || c.Status == model.ChunkStatusDisabled || p.isInFlight(c.ID) {
		return nil, nil
	}

	v, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	zones, err := p.zones.Zones(ctx, c.NS)
	if err != nil {
		return nil, fmt.Errorf("zones of %s: %w", c.NS, err)
	}

	var best *ShardStatistics
	for _, sh := range v.availableShards() {
		if sh.ShardID == c.Shard {
			continue
		}
		if _, ok := zoneAllows(c.Range, zones, sh.ShardID); !ok {
			continue
		}
		if best == nil || sh.CPUUsage < best.CPUUsage ||
			(sh.CPUUsage == best.CPUUsage && sh.ShardID < best.ShardID) {
			best = &sh
		}
	}

	if best == nil {
		return nil, nil
	}

	return &MoveCandidate{NS: c.NS, ChunkID: c.ID, From: c.Shard, To: best.ShardID, Chunk: c}, nil
}

// CheckMoveAllowed fails with ErrShardUnavailable when dst is unknown or
// flagged unavailable, and with ErrMoveNotAllowed when a zone overlapping the
// chunk does not admit dst.
func (p *Policy) CheckMoveAllowed(ctx context.Context, chunk model.Chunk, dst string) error {
	v, err := p.snapshot(ctx)
	if err != nil {
		return err
	}
	if !v.available(dst) {
		return fmt.Errorf("%w: %s", ErrShardUnavailable, dst)
	}

	zones, err := p.zones.Zones(ctx, chunk.NS)
	if err != nil {
		return fmt.Errorf("zones of %s: %w", chunk.NS, err)
	}
	if z, ok := zoneAllows(chunk.Range, zones, dst); !ok {
		return fmt.Errorf("%w: zone %s of %s does not admit %s", ErrMoveNotAllowed, z.Tag, chunk.NS, dst)
	}

	return nil
}

func (p *Policy) maxMoves() int {
	if p.cfg.MaxMovesPerRound <= 0 {
		return math.MaxInt
	}

	return p.cfg.MaxMovesPerRound
}

func (p *Policy) isInFlight(chunkID string) bool {
	return p.inFlight != nil && p.inFlight.IsActive(chunkID)
}

func (p *Policy) snapshot(ctx context.Context) (view, error) {
	s, err := p.stats.Snapshot(ctx)
	if err != nil {
		return view{}, fmt.Errorf("cluster statistics: %w", err)
	}
	if err := s.Validate(); err != nil {
		return view{}, err
	}

	return newView(s), nil
}

func (p *Policy) namespaces(ctx context.Context) ([]string, error) {
	namespaces, err := p.chunks.Namespaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("namespaces: %w", err)
	}

	namespaces = slices.Clone(namespaces)
	slices.Sort(namespaces)

	return namespaces, nil
}

// loadState is the catalog side of a move selection.
type loadState struct {
	// counts holds the assigned chunks per shard, movable or not.
	counts map[string]int
	// movable holds the chunks each available shard may give away, by id.
	movable map[string][]model.Chunk
	zones   map[string][]TagZone
	usage   map[string]float64
}

func (p *Policy) loadState(ctx context.Context, v view) (*loadState, error) {
	namespaces, err := p.namespaces(ctx)
	if err != nil {
		return nil, err
	}

	st := &loadState{
		counts:  make(map[string]int),
		movable: make(map[string][]model.Chunk),
		zones:   make(map[string][]TagZone, len(namespaces)),
		usage:   v.usage,
	}

	for _, ns := range namespaces {
		zones, err := p.zones.Zones(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("zones of %s: %w", ns, err)
		}
		st.zones[ns] = zones

		chunks, err := p.chunks.ListChunks(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("chunks of %s: %w", ns, err)
		}

		for _, c := range chunks {
			if !c.IsAssigned() {
				continue
			}
			st.counts[c.Shard]++

			if c.Jumbo || !v.available(c.Shard) || p.isInFlight(c.ID) {
				continue
			}
			st.movable[c.Shard] = append(st.movable[c.Shard], c)
		}
	}

	for _, chunks := range st.movable {
		slices.SortFunc(chunks, func(a, b model.Chunk) int {
			return strings.Compare(a.ID, b.ID)
		})
	}

	return st, nil
}

func sortByRange(chunks []model.Chunk) {
	slices.SortFunc(chunks, func(a, b model.Chunk) int {
		if c := model.CompareKeys(a.Min(), b.Min()); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
