package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pyropy/chunkbalancer/core/model"
	"github.com/pyropy/chunkbalancer/core/policy"
	"github.com/pyropy/chunkbalancer/lib/metrics"
	"github.com/pyropy/chunkbalancer/rpc/configsvr"
)

const (
	ObjectiveCPU        = "cpu"
	ObjectiveThroughput = "throughput"
)

var ErrRoundInProgress = errors.New("balancer round already in progress")

type BalancerOptions struct {
	Interval          time.Duration
	Aggressive        bool
	Objective         string
	MaxChunkSizeBytes int64
}

// RoundResult counts the events a round completed.
type RoundResult struct {
	Splits  int
	Moves   int
	Resumed int
}

// Balancer periodically splits chunks that straddle zone boundaries and moves
// chunks away from overloaded shards.
type Balancer struct {
	round sync.Mutex

	store    *ChunkCatalogStore
	policy   *policy.Policy
	executor *Executor
	metrics  *metrics.Collector
	opts     BalancerOptions
}

func NewBalancer(store *ChunkCatalogStore, p *policy.Policy, executor *Executor, m *metrics.Collector, opts BalancerOptions) *Balancer {
	if opts.Objective == "" {
		opts.Objective = ObjectiveCPU
	}

	return &Balancer{
		store:    store,
		policy:   p,
		executor: executor,
		metrics:  m,
		opts:     opts,
	}
}

// Start runs a round every interval until ctx is done.
func (b *Balancer) Start(ctx context.Context) {
	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()

	log.Infow("balancer", "status", "starting balancer", "interval", b.opts.Interval, "objective", b.opts.Objective)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := b.RunRound(ctx, b.opts.Aggressive)
			if err != nil {
				log.Errorw("balancer", "status", "round failed", "error", err)
				continue
			}
			if res.Splits > 0 || res.Moves > 0 || res.Resumed > 0 {
				log.Infow("balancer", "status", "round done", "splits", res.Splits, "moves", res.Moves, "resumed", res.Resumed)
			}
		}
	}
}

// RunRound resumes parked events, then splits and moves chunks. Only one
// round runs at a time; a concurrent call fails with ErrRoundInProgress.
// Failed requests are reported in the returned error but do not stop the
// round.
func (b *Balancer) RunRound(ctx context.Context, aggressive bool) (RoundResult, error) {
	var res RoundResult
	if !b.round.TryLock() {
		return res, ErrRoundInProgress
	}
	defer b.round.Unlock()

	start := time.Now()
	defer func() {
		b.metrics.RecordRound(time.Since(start).Seconds())
	}()

	var errs []error

	resumed, err := b.executor.ResumePending(ctx)
	res.Resumed = resumed
	if err != nil {
		errs = append(errs, err)
	}

	splits, err := b.policy.SelectChunksToSplit(ctx)
	if err != nil {
		return res, err
	}
	b.metrics.RecordCandidates("split", len(splits))
	for _, candidate := range splits {
		n, err := b.split(ctx, candidate)
		res.Splits += n
		if err != nil {
			errs = append(errs, err)
		}
	}

	moves, err := b.selectMoves(ctx, aggressive)
	if err != nil {
		return res, errors.Join(append(errs, err)...)
	}
	b.metrics.RecordCandidates("move", len(moves))
	for _, candidate := range moves {
		if err := b.move(ctx, candidate); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Moves++
	}

	return res, errors.Join(errs...)
}

func (b *Balancer) selectMoves(ctx context.Context, aggressive bool) ([]policy.MoveCandidate, error) {
	switch b.opts.Objective {
	case ObjectiveThroughput:
		return b.policy.SelectMinThroughputChunksToMove(ctx)
	case ObjectiveCPU:
		return b.policy.SelectChunksToMove(ctx, aggressive)
	default:
		return nil, fmt.Errorf("unknown balancer objective %q", b.opts.Objective)
	}
}

// split cuts the candidate at every split point, highest first, so the chunk
// keeping the candidate's id always contains the remaining points.
func (b *Balancer) split(ctx context.Context, candidate policy.SplitCandidate) (int, error) {
	done := 0
	for i := len(candidate.SplitPoints) - 1; i >= 0; i-- {
		chunk, err := b.store.GetChunk(ctx, candidate.ChunkID)
		if err != nil {
			return done, err
		}

		req := configsvr.BalanceChunkRequest{
			Type:       model.BalanceTypeSplit,
			Chunk:      chunk,
			SplitPoint: candidate.SplitPoints[i],
		}
		if _, err := b.executor.Execute(ctx, req, false); err != nil {
			return done, fmt.Errorf("split %s: %w", candidate.ChunkID, err)
		}
		done++
	}

	return done, nil
}

func (b *Balancer) move(ctx context.Context, candidate policy.MoveCandidate) error {
	req := configsvr.BalanceChunkRequest{
		Type:              model.BalanceTypeRebalance,
		Chunk:             candidate.Chunk,
		ToShard:           candidate.To,
		MaxChunkSizeBytes: b.opts.MaxChunkSizeBytes,
		SecondaryThrottle: configsvr.SecondaryThrottle{Mode: configsvr.ThrottleDefault},
	}

	log.Infow("balancer", "status", "moving chunk", "chunkID", candidate.ChunkID, "from", candidate.From, "to", candidate.To)

	if _, err := b.executor.Execute(ctx, req, false); err != nil {
		return fmt.Errorf("move %s to %s: %w", candidate.ChunkID, candidate.To, err)
	}

	return nil
}
