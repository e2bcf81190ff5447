package master

import (
	"context"
	"time"
)

// HealthMonitor periodically checks every active shard and marks the ones
// that fail. A shard failing FailedHealthChecksThreshold checks in a row
// becomes inactive and is no longer a move destination.
type HealthMonitor struct {
	shards   *ShardMetadataStore
	client   ShardClient
	interval time.Duration
}

func NewHealthMonitor(shards *ShardMetadataStore, client ShardClient, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		shards:   shards,
		client:   client,
		interval: interval,
	}
}

func (h *HealthMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	unhealthy := make(chan string)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range h.shards.GetAllActiveShards() {
				go h.check(ctx, s.ID, unhealthy)
			}
		case id := <-unhealthy:
			s := h.shards.MarkUnhealthy(id)
			if s != nil && !s.Active {
				log.Warnw("health-check", "status", "shard deactivated", "shard", s.ID, "failedChecks", s.FailedHealthChecks)
			}
		}
	}
}

// CheckAll checks every active shard once and returns the ids that failed.
func (h *HealthMonitor) CheckAll(ctx context.Context) []string {
	var failed []string
	for _, s := range h.shards.GetAllActiveShards() {
		if err := h.client.HealthCheck(ctx, s.ID); err != nil {
			h.shards.MarkUnhealthy(s.ID)
			failed = append(failed, s.ID)
			continue
		}
		h.shards.MarkHealthy(s.ID)
	}

	return failed
}

func (h *HealthMonitor) check(ctx context.Context, id string, unhealthy chan<- string) {
	if err := h.client.HealthCheck(ctx, id); err != nil {
		select {
		case unhealthy <- id:
		case <-ctx.Done():
		}
		return
	}

	h.shards.MarkHealthy(id)
}
