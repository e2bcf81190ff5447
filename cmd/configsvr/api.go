package main

import (
	"context"
	"errors"

	core "github.com/pyropy/chunkbalancer/core/master"
	"github.com/pyropy/chunkbalancer/core/model"
	rpc "github.com/pyropy/chunkbalancer/rpc/configsvr"
)

// API exposes the config server over net/rpc.
type API struct {
	server *core.ConfigServer
	ctx    context.Context
}

var _ rpc.ConfigServer = (*API)(nil)

func NewConfigServerAPI(ctx context.Context, server *core.ConfigServer) *API {
	return &API{
		server: server,
		ctx:    ctx,
	}
}

func (a *API) BalanceChunk(args *rpc.BalanceChunkArgs, reply *rpc.BalanceChunkReply) error {
	cmd, err := args.Document()
	if err != nil {
		return err
	}
	log.Infow("rpc", "event", "BalanceChunk", "command", cmd)

	ev, err := a.server.Executor.Dispatch(a.ctx, cmd)
	if ev != nil {
		reply.EventID = ev.ID()
		reply.ChunkID = ev.ChunkID()
		reply.State = ev.State().String()
	}

	return err
}

func (a *API) RegisterShard(args *rpc.RegisterShardArgs, reply *rpc.RegisterShardReply) error {
	log.Infow("rpc", "event", "RegisterShard", "args", args)
	shard := a.server.Shards.RegisterShard(args.ShardID, args.Address)
	reply.ShardID = shard.ID

	log.Infow("rpc", "status", "registered new shard", "id", shard.ID, "address", shard.Address)

	return nil
}

func (a *API) ReportStats(args *rpc.ReportStatsArgs, _ *rpc.ReportStatsReply) error {
	log.Debugw("rpc", "event", "ReportStats", "shard", args.ShardID, "cpu", args.CPUUsage, "chunks", len(args.Chunks))

	usage := make(map[string]float64, len(args.Chunks))
	for _, c := range args.Chunks {
		usage[c.ChunkID] = c.Usage
	}

	return a.server.Shards.ReportStats(args.ShardID, args.CPUUsage, usage)
}

func (a *API) ListChunks(args *rpc.ListChunksArgs, reply *rpc.ListChunksReply) error {
	log.Infow("rpc", "event", "ListChunks", "ns", args.NS)

	var namespaces []string
	if args.NS != "" {
		namespaces = []string{args.NS}
	} else {
		var err error
		if namespaces, err = a.server.Catalog.Namespaces(a.ctx); err != nil {
			return err
		}
	}

	for _, ns := range namespaces {
		chunks, err := a.server.Catalog.ListChunks(a.ctx, ns)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			b, err := c.Marshal()
			if err != nil {
				return err
			}
			reply.Chunks = append(reply.Chunks, b)
		}
	}

	return nil
}

func (a *API) PutChunk(args *rpc.PutChunkArgs, reply *rpc.PutChunkReply) error {
	c, err := model.Unmarshal(args.Chunk)
	if err != nil {
		return err
	}
	log.Infow("rpc", "event", "PutChunk", "chunk", c.String())

	if err := a.server.PutChunk(a.ctx, c); err != nil {
		return err
	}

	reply.ChunkID = c.ID

	return nil
}

func (a *API) RunRound(args *rpc.RunRoundArgs, reply *rpc.RunRoundReply) error {
	log.Infow("rpc", "event", "RunRound", "aggressive", args.Aggressive)

	res, err := a.server.Balancer.RunRound(a.ctx, args.Aggressive)
	reply.Splits = res.Splits
	reply.Moves = res.Moves
	if errors.Is(err, core.ErrRoundInProgress) {
		return err
	}
	if err != nil {
		log.Warnw("rpc", "status", "round finished with errors", "error", err)
		return err
	}

	return nil
}
