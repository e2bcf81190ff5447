package client

import (
	"net/rpc"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/model"
	"github.com/pyropy/chunkbalancer/lib/logger"
	"github.com/pyropy/chunkbalancer/rpc/configsvr"
)

var log, _ = logger.New("client")

const serviceName = "API"

// Client talks to a config server over net/rpc.
type Client struct {
	RpcClient *rpc.Client
}

func NewClient(addr string) (*Client, error) {
	rpcClient, err := rpc.DialHTTP("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Client{RpcClient: rpcClient}, nil
}

func (c *Client) Close() error {
	return c.RpcClient.Close()
}

// BalanceChunk sends one balance command and returns the event that ran it.
func (c *Client) BalanceChunk(cmd bson.D) (*configsvr.BalanceChunkReply, error) {
	args, err := configsvr.NewBalanceChunkArgs(cmd)
	if err != nil {
		return nil, err
	}

	var reply configsvr.BalanceChunkReply
	if err := c.RpcClient.Call(serviceName+".BalanceChunk", args, &reply); err != nil {
		log.Debugw("rpc", "status", "balance command failed", "event", reply.EventID, "error", err)
		return &reply, err
	}

	return &reply, nil
}

// ListChunks returns the chunks of ns, or of every namespace when ns is empty.
func (c *Client) ListChunks(ns string) ([]model.Chunk, error) {
	var reply configsvr.ListChunksReply
	if err := c.RpcClient.Call(serviceName+".ListChunks", &configsvr.ListChunksArgs{NS: ns}, &reply); err != nil {
		return nil, err
	}

	chunks := make([]model.Chunk, 0, len(reply.Chunks))
	for _, b := range reply.Chunks {
		chunk, err := model.Unmarshal(b)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// GetChunk finds chunkID among the chunks of ns.
func (c *Client) GetChunk(ns, chunkID string) (model.Chunk, error) {
	chunks, err := c.ListChunks(ns)
	if err != nil {
		return model.Chunk{}, err
	}

	for _, chunk := range chunks {
		if chunk.ID == chunkID {
			return chunk, nil
		}
	}

	return model.Chunk{}, ErrChunkNotFound
}

func (c *Client) PutChunk(chunk model.Chunk) (string, error) {
	b, err := chunk.Marshal()
	if err != nil {
		return "", err
	}

	var reply configsvr.PutChunkReply
	if err := c.RpcClient.Call(serviceName+".PutChunk", &configsvr.PutChunkArgs{Chunk: b}, &reply); err != nil {
		return "", err
	}

	return reply.ChunkID, nil
}

func (c *Client) RegisterShard(id, addr string) (string, error) {
	var reply configsvr.RegisterShardReply
	if err := c.RpcClient.Call(serviceName+".RegisterShard", &configsvr.RegisterShardArgs{ShardID: id, Address: addr}, &reply); err != nil {
		return "", err
	}

	return reply.ShardID, nil
}

func (c *Client) ReportStats(shardID string, cpu float64, chunks []configsvr.ChunkUsage) error {
	args := &configsvr.ReportStatsArgs{ShardID: shardID, CPUUsage: cpu, Chunks: chunks}
	return c.RpcClient.Call(serviceName+".ReportStats", args, &configsvr.ReportStatsReply{})
}

func (c *Client) RunRound(aggressive bool) (*configsvr.RunRoundReply, error) {
	var reply configsvr.RunRoundReply
	if err := c.RpcClient.Call(serviceName+".RunRound", &configsvr.RunRoundArgs{Aggressive: aggressive}, &reply); err != nil {
		return nil, err
	}

	return &reply, nil
}
