package master

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pyropy/chunkbalancer/core/policy"
	cmap "github.com/pyropy/chunkbalancer/lib/concurrent_map"
)

var (
	FailedHealthChecksThreshold = 3
)

var (
	ErrShardNotFound = errors.New("shard not found")
)

type ShardMetadata struct {
	ID                 string
	Address            string
	Healthy            bool
	Active             bool
	FailedHealthChecks int
	LastHealthReport   time.Time
	CPUUsage           float64
	ChunkUsage         map[string]float64
}

// ShardMetadataStore tracks registered shards, their health and the load
// they last reported. It is the statistics source of the balancer.
type ShardMetadataStore struct {
	Shards cmap.Map[string, ShardMetadata]
}

func NewShardMetadataStore() *ShardMetadataStore {
	return &ShardMetadataStore{
		Shards: cmap.NewMap[string, ShardMetadata](),
	}
}

// RegisterShard adds a shard. An empty id is replaced by a generated one.
func (m *ShardMetadataStore) RegisterShard(id, addr string) *ShardMetadata {
	if id == "" {
		id = uuid.NewString()
	}

	shard := ShardMetadata{ID: id, Address: addr, Healthy: true, Active: true, LastHealthReport: time.Now()}
	m.Shards.Set(shard.ID, shard)
	return &shard
}

func (m *ShardMetadataStore) GetShardMetadata(id string) *ShardMetadata {
	shard, exists := m.Shards.Get(id)
	if !exists {
		return nil
	}

	return shard
}

// GetAllActiveShards returns the active shards ordered by id.
func (m *ShardMetadataStore) GetAllActiveShards() []ShardMetadata {
	shards := make([]ShardMetadata, 0)
	m.Shards.Range(func(_ string, s ShardMetadata) bool {
		if s.Active {
			shards = append(shards, s)
		}
		return true
	})

	sort.Slice(shards, func(i, j int) bool {
		return shards[i].ID < shards[j].ID
	})

	return shards
}

func (m *ShardMetadataStore) MarkHealthy(id string) *ShardMetadata {
	shard, exists := m.Shards.Update(id, func(s *ShardMetadata) {
		s.Healthy = true
		s.FailedHealthChecks = 0
		s.Active = true
	})
	if !exists {
		return nil
	}

	return &shard
}

func (m *ShardMetadataStore) MarkUnhealthy(id string) *ShardMetadata {
	shard, exists := m.Shards.Update(id, func(s *ShardMetadata) {
		s.Healthy = false
		s.FailedHealthChecks += 1
		if s.FailedHealthChecks >= FailedHealthChecksThreshold {
			s.Active = false
		}
	})
	if !exists {
		return nil
	}

	return &shard
}

// ReportStats records the load of a shard and counts as a health report.
func (m *ShardMetadataStore) ReportStats(id string, cpuUsage float64, chunkUsage map[string]float64) error {
	usage := make(map[string]float64, len(chunkUsage))
	for k, v := range chunkUsage {
		usage[k] = v
	}

	_, exists := m.Shards.Update(id, func(s *ShardMetadata) {
		s.CPUUsage = cpuUsage
		s.ChunkUsage = usage
		s.LastHealthReport = time.Now()
		s.Healthy = true
		s.FailedHealthChecks = 0
		s.Active = true
	})
	if !exists {
		return ErrShardNotFound
	}

	return nil
}

// Snapshot builds a point-in-time statistics view. Shards that are inactive
// or unhealthy are reported unavailable. A chunk reported by several shards
// keeps the figure of the most recent report.
func (m *ShardMetadataStore) Snapshot(_ context.Context) (policy.Snapshot, error) {
	shards := make([]ShardMetadata, 0)
	m.Shards.Range(func(_ string, s ShardMetadata) bool {
		shards = append(shards, s)
		return true
	})

	sort.Slice(shards, func(i, j int) bool {
		if !shards[i].LastHealthReport.Equal(shards[j].LastHealthReport) {
			return shards[i].LastHealthReport.Before(shards[j].LastHealthReport)
		}
		return shards[i].ID < shards[j].ID
	})

	var snap policy.Snapshot
	usage := make(map[string]float64)
	for _, s := range shards {
		snap.Shards = append(snap.Shards, policy.ShardStatistics{
			ShardID:     s.ID,
			CPUUsage:    s.CPUUsage,
			Unavailable: !s.Active || !s.Healthy,
		})
		for chunkID, u := range s.ChunkUsage {
			usage[chunkID] = u
		}
	}

	for chunkID, u := range usage {
		snap.Chunks = append(snap.Chunks, policy.ChunkStatistics{ChunkID: chunkID, Usage: u})
	}
	sort.Slice(snap.Chunks, func(i, j int) bool {
		return snap.Chunks[i].ChunkID < snap.Chunks[j].ChunkID
	})

	return snap, nil
}
