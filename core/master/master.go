package master

import (
	"context"
	"fmt"
	"sync"

	"github.com/pyropy/chunkbalancer/core/event"
	"github.com/pyropy/chunkbalancer/core/model"
	"github.com/pyropy/chunkbalancer/core/policy"
	"github.com/pyropy/chunkbalancer/lib/logger"
	"github.com/pyropy/chunkbalancer/lib/metrics"
)

// ConfigServer owns the chunk catalog and every component that rebalances it.
type ConfigServer struct {
	Catalog  *ChunkCatalogStore
	Shards   *ShardMetadataStore
	Zones    *ZoneCatalog
	Registry *event.Registry
	Policy   *policy.Policy
	Executor *Executor
	Balancer *Balancer
	Health   *HealthMonitor

	cfg *Config
	wg  sync.WaitGroup
}

// NewConfigServer opens the catalog under cfg.Store.Path and reaches shards
// over net/rpc.
func NewConfigServer(cfg *Config, m *metrics.Collector) (*ConfigServer, error) {
	shards := NewShardMetadataStore()
	return NewConfigServerWithClient(cfg, m, shards, NewRPCShardClient(shards))
}

// NewConfigServerWithClient is NewConfigServer with a caller supplied shard
// client.
func NewConfigServerWithClient(cfg *Config, m *metrics.Collector, shards *ShardMetadataStore, client ShardClient) (*ConfigServer, error) {
	catalog, err := NewChunkCatalogStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	zones := NewZoneCatalog()
	if cfg.Zones.File != "" {
		if err := zones.LoadZoneFile(cfg.Zones.File); err != nil {
			catalog.Close()
			return nil, err
		}
	}

	policyLog, err := logger.New("policy")
	if err != nil {
		policyLog = logger.Nop()
	}

	registry := event.NewRegistry()
	p := policy.New(cfg.PolicyConfig(), catalog, shards, zones, registry, policyLog)
	executor := NewExecutor(catalog, p, client, registry, m, cfg.RetryPolicy())
	balancer := NewBalancer(catalog, p, executor, m, BalancerOptions{
		Interval:          cfg.Balancer.Interval,
		Aggressive:        cfg.Balancer.Aggressive,
		Objective:         cfg.Balancer.Objective,
		MaxChunkSizeBytes: cfg.Balancer.MaxChunkSizeBytes,
	})

	return &ConfigServer{
		Catalog:  catalog,
		Shards:   shards,
		Zones:    zones,
		Registry: registry,
		Policy:   p,
		Executor: executor,
		Balancer: balancer,
		Health:   NewHealthMonitor(shards, client, cfg.Health.Interval),
		cfg:      cfg,
	}, nil
}

// Start recovers interrupted events and launches the background loops. The
// loops stop when ctx is done.
func (s *ConfigServer) Start(ctx context.Context) error {
	if err := s.Executor.Recover(ctx); err != nil {
		return fmt.Errorf("recover events: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Health.Start(ctx)
	}()

	if s.cfg.Balancer.Enabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Balancer.Start(ctx)
		}()
	}

	return nil
}

// Close waits for the background loops and closes the catalog. The context
// passed to Start must be done first.
func (s *ConfigServer) Close() error {
	s.wg.Wait()
	return s.Catalog.Close()
}

// PutChunk creates or replaces a chunk outside of any event. Chunks held by
// an active event cannot be replaced.
func (s *ConfigServer) PutChunk(ctx context.Context, c model.Chunk) error {
	if s.Registry.IsActive(c.ID) {
		return fmt.Errorf("%w: %s", event.ErrLockConflict, c.ID)
	}

	return s.Catalog.PutChunk(ctx, c)
}
