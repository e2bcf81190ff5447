package policy

import (
	"context"
	"fmt"
	"math"
)

// ShardStatistics is the load reported for one shard. CPUUsage is a
// non-negative utilisation figure; shards flagged Unavailable never take part
// in a move.
type ShardStatistics struct {
	ShardID     string
	CPUUsage    float64
	Unavailable bool
}

// ChunkStatistics is the usage attributed to one chunk, expressed in the same
// unit as ShardStatistics.CPUUsage.
type ChunkStatistics struct {
	ChunkID string
	Usage   float64
}

// Snapshot is a point-in-time view of cluster load. It is produced once per
// selection and must not be mutated while a selection runs.
type Snapshot struct {
	Shards []ShardStatistics
	Chunks []ChunkStatistics
}

// ClusterStatistics supplies consistent load snapshots.
type ClusterStatistics interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Validate rejects snapshots with empty or duplicate ids and with negative or
// non-finite figures.
func (s Snapshot) Validate() error {
	shards := make(map[string]struct{}, len(s.Shards))
	for _, sh := range s.Shards {
		if sh.ShardID == "" {
			return fmt.Errorf("%w: shard without id", ErrMalformedStatistics)
		}
		if _, dup := shards[sh.ShardID]; dup {
			return fmt.Errorf("%w: shard %s reported twice", ErrMalformedStatistics, sh.ShardID)
		}
		if !validFigure(sh.CPUUsage) {
			return fmt.Errorf("%w: shard %s cpu usage %v", ErrMalformedStatistics, sh.ShardID, sh.CPUUsage)
		}
		shards[sh.ShardID] = struct{}{}
	}

	chunks := make(map[string]struct{}, len(s.Chunks))
	for _, c := range s.Chunks {
		if c.ChunkID == "" {
			return fmt.Errorf("%w: chunk without id", ErrMalformedStatistics)
		}
		if _, dup := chunks[c.ChunkID]; dup {
			return fmt.Errorf("%w: chunk %s reported twice", ErrMalformedStatistics, c.ChunkID)
		}
		if !validFigure(c.Usage) {
			return fmt.Errorf("%w: chunk %s usage %v", ErrMalformedStatistics, c.ChunkID, c.Usage)
		}
		chunks[c.ChunkID] = struct{}{}
	}

	return nil
}

func validFigure(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// view indexes a validated snapshot for one selection pass.
type view struct {
	shards map[string]ShardStatistics
	usage  map[string]float64
}

func newView(s Snapshot) view {
	v := view{
		shards: make(map[string]ShardStatistics, len(s.Shards)),
		usage:  make(map[string]float64, len(s.Chunks)),
	}
	for _, sh := range s.Shards {
		v.shards[sh.ShardID] = sh
	}
	for _, c := range s.Chunks {
		v.usage[c.ChunkID] = c.Usage
	}

	return v
}

func (v view) available(shardID string) bool {
	sh, ok := v.shards[shardID]
	return ok && !sh.Unavailable
}

func (v view) availableShards() []ShardStatistics {
	out := make([]ShardStatistics, 0, len(v.shards))
	for _, sh := range v.shards {
		if !sh.Unavailable {
			out = append(out, sh)
		}
	}

	return out
}
