package configsvr

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ConfigServer is the net/rpc surface of the config server. Commands and
// chunks travel as BSON bytes.
type ConfigServer interface {
	// BalanceChunk executes one balance command.
	BalanceChunk(args *BalanceChunkArgs, reply *BalanceChunkReply) error
	// RegisterShard adds a shard to the cluster.
	RegisterShard(args *RegisterShardArgs, reply *RegisterShardReply) error
	// ReportStats records the load reported by a shard.
	ReportStats(args *ReportStatsArgs, reply *ReportStatsReply) error
	// ListChunks returns the chunks of a namespace.
	ListChunks(args *ListChunksArgs, reply *ListChunksReply) error
	// PutChunk creates or replaces a chunk outside of any event.
	PutChunk(args *PutChunkArgs, reply *PutChunkReply) error
	// RunRound triggers one balancer round.
	RunRound(args *RunRoundArgs, reply *RunRoundReply) error
}

type BalanceChunkArgs struct {
	Command []byte
}

type BalanceChunkReply struct {
	EventID string
	ChunkID string
	State   string
}

// NewBalanceChunkArgs marshals cmd for the wire.
func NewBalanceChunkArgs(cmd bson.D) (*BalanceChunkArgs, error) {
	b, err := bson.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal balance command: %w", err)
	}

	return &BalanceChunkArgs{Command: b}, nil
}

// Document unmarshals the command carried by args.
func (a *BalanceChunkArgs) Document() (bson.D, error) {
	var doc bson.D
	if err := bson.Unmarshal(a.Command, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal balance command: %w", err)
	}

	return doc, nil
}

type RegisterShardArgs struct {
	ShardID string
	Address string
}

type RegisterShardReply struct {
	ShardID string
}

type ChunkUsage struct {
	ChunkID string
	Usage   float64
}

type ReportStatsArgs struct {
	ShardID  string
	CPUUsage float64
	Chunks   []ChunkUsage
}

type ReportStatsReply struct {
}

type ListChunksArgs struct {
	NS string
}

type ListChunksReply struct {
	Chunks [][]byte
}

type PutChunkArgs struct {
	Chunk []byte
}

type PutChunkReply struct {
	ChunkID string
}

type RunRoundArgs struct {
	Aggressive bool
}

type RunRoundReply struct {
	Splits int
	Moves  int
}
