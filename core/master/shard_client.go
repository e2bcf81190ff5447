package master

import (
	"context"
	"fmt"
	"net/rpc"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/model"
	shardRPC "github.com/pyropy/chunkbalancer/rpc/shard"
)

// ShardClient performs the remote side of each balance step. Every call must
// be safe to repeat.
type ShardClient interface {
	CommitOffload(ctx context.Context, shardID string, chunk model.Chunk) error
	CopyData(ctx context.Context, from, to string, chunk model.Chunk, maxChunkSizeBytes int64, waitForDelete bool) error
	AssignChunk(ctx context.Context, shardID string, chunk model.Chunk) error
	SplitChunk(ctx context.Context, shardID string, chunk model.Chunk, splitPoint bson.D) error
	RenameChunk(ctx context.Context, shardID string, source, target model.Chunk, dropTarget, stayTemp bool) error
	DropChunk(ctx context.Context, shardID, chunkID string) error
	HealthCheck(ctx context.Context, shardID string) error
}

// RPCShardClient reaches shards over net/rpc at the address they registered.
type RPCShardClient struct {
	shards *ShardMetadataStore
}

func NewRPCShardClient(shards *ShardMetadataStore) *RPCShardClient {
	return &RPCShardClient{shards: shards}
}

func (c *RPCShardClient) CommitOffload(ctx context.Context, shardID string, chunk model.Chunk) error {
	rc, err := toRPCChunk(chunk)
	if err != nil {
		return err
	}

	args := shardRPC.CommitOffloadArgs{Chunk: rc}
	reply := shardRPC.CommitOffloadReply{}
	return c.call(ctx, shardID, "ShardAPI.CommitOffload", args, &reply)
}

func (c *RPCShardClient) CopyData(ctx context.Context, from, to string, chunk model.Chunk, maxChunkSizeBytes int64, waitForDelete bool) error {
	target := c.shards.GetShardMetadata(to)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrShardNotFound, to)
	}

	rc, err := toRPCChunk(chunk)
	if err != nil {
		return err
	}

	args := shardRPC.CopyDataArgs{
		Chunk:             rc,
		ToShard:           to,
		ToAddress:         target.Address,
		MaxChunkSizeBytes: maxChunkSizeBytes,
		WaitForDelete:     waitForDelete,
	}
	reply := shardRPC.CopyDataReply{}
	if err := c.call(ctx, from, "ShardAPI.CopyData", args, &reply); err != nil {
		return err
	}

	log.Infow("shard-rpc", "status", "chunk data copied", "chunkID", chunk.ID, "from", from, "to", to, "bytes", reply.BytesCopied)
	return nil
}

func (c *RPCShardClient) AssignChunk(ctx context.Context, shardID string, chunk model.Chunk) error {
	rc, err := toRPCChunk(chunk)
	if err != nil {
		return err
	}

	args := shardRPC.AssignChunkArgs{Chunk: rc}
	reply := shardRPC.AssignChunkReply{}
	return c.call(ctx, shardID, "ShardAPI.AssignChunk", args, &reply)
}

func (c *RPCShardClient) SplitChunk(ctx context.Context, shardID string, chunk model.Chunk, splitPoint bson.D) error {
	rc, err := toRPCChunk(chunk)
	if err != nil {
		return err
	}
	sp, err := bson.Marshal(splitPoint)
	if err != nil {
		return err
	}

	args := shardRPC.SplitChunkArgs{Chunk: rc, SplitPoint: sp}
	reply := shardRPC.SplitChunkReply{}
	return c.call(ctx, shardID, "ShardAPI.SplitChunk", args, &reply)
}

func (c *RPCShardClient) RenameChunk(ctx context.Context, shardID string, source, target model.Chunk, dropTarget, stayTemp bool) error {
	src, err := toRPCChunk(source)
	if err != nil {
		return err
	}
	dst, err := toRPCChunk(target)
	if err != nil {
		return err
	}

	args := shardRPC.RenameChunkArgs{Source: src, Target: dst, DropTarget: dropTarget, StayTemp: stayTemp}
	reply := shardRPC.RenameChunkReply{}
	return c.call(ctx, shardID, "ShardAPI.RenameChunk", args, &reply)
}

func (c *RPCShardClient) DropChunk(ctx context.Context, shardID, chunkID string) error {
	args := shardRPC.DropChunkArgs{ChunkID: chunkID}
	reply := shardRPC.DropChunkReply{}
	return c.call(ctx, shardID, "ShardAPI.DropChunk", args, &reply)
}

func (c *RPCShardClient) HealthCheck(ctx context.Context, shardID string) error {
	reply := shardRPC.HealthCheckReply{}
	if err := c.call(ctx, shardID, "ShardAPI.HealthCheck", shardRPC.HealthCheckArgs{}, &reply); err != nil {
		return err
	}

	if reply.Status > 299 {
		return fmt.Errorf("shard %s reported status %d", shardID, reply.Status)
	}

	return nil
}

func (c *RPCShardClient) call(ctx context.Context, shardID, method string, args interface{}, reply interface{}) error {
	shard := c.shards.GetShardMetadata(shardID)
	if shard == nil {
		return fmt.Errorf("%w: %s", ErrShardNotFound, shardID)
	}

	client, err := rpc.DialHTTP("tcp", shard.Address)
	if err != nil {
		log.Infow("shard-rpc", "status", "unreachable", "shard", shardID, "address", shard.Address)
		return err
	}

	defer client.Close()

	call := client.Go(method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-call.Done:
		if res.Error != nil {
			log.Infow("shard-rpc", "status", "call failed", "shard", shardID, "method", method, "error", res.Error)
			return res.Error
		}
	}

	return nil
}

func toRPCChunk(c model.Chunk) (shardRPC.Chunk, error) {
	min, err := bson.Marshal(c.Min())
	if err != nil {
		return shardRPC.Chunk{}, err
	}
	max, err := bson.Marshal(c.Max())
	if err != nil {
		return shardRPC.Chunk{}, err
	}

	return shardRPC.Chunk{
		ID:     c.ID,
		NS:     c.NS,
		Min:    min,
		Max:    max,
		Major:  c.Version.Major,
		Minor:  c.Version.Minor,
		Epoch:  c.Version.Epoch.Hex(),
		Folder: c.RootFolder,
	}, nil
}
