package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/pyropy/chunkbalancer/core/client"
	"github.com/pyropy/chunkbalancer/core/model"
	"github.com/pyropy/chunkbalancer/rpc/configsvr"
)

var chunkFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "ns",
		Required: true,
		Usage:    "Namespace of the chunk",
	},
	&cli.StringFlag{
		Name:     "chunk-id",
		Required: true,
		Usage:    "Id of the chunk to act on",
	},
}

func withChunkFlags(flags ...cli.Flag) []cli.Flag {
	return append(append([]cli.Flag{}, chunkFlags...), flags...)
}

// parseKey reads a shard key written as relaxed extended JSON, for example
// '{"region": "eu", "id": {"$minKey": 1}}'.
func parseKey(s string) (bson.D, error) {
	var key bson.D
	if err := bson.UnmarshalExtJSON([]byte(s), false, &key); err != nil {
		return nil, fmt.Errorf("parse key %q: %w", s, err)
	}

	return key, nil
}

func connect(ctx *cli.Context) (*client.Client, error) {
	return client.NewClient(ctx.String("rpc-url"))
}

// send fetches the chunk named by the flags, builds the command for it and
// either prints or sends it.
func send(ctx *cli.Context, build func(chunk model.Chunk) (bson.D, error)) error {
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	chunk, err := c.GetChunk(ctx.String("ns"), ctx.String("chunk-id"))
	if err != nil {
		return err
	}

	cmd, err := build(chunk)
	if err != nil {
		return err
	}

	if ctx.Bool("dry-run") {
		b, err := bson.MarshalExtJSON(cmd, false, false)
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	}

	reply, err := c.BalanceChunk(cmd)
	if err != nil {
		if reply != nil && reply.EventID != "" {
			return fmt.Errorf("event %s stopped in %s: %w", reply.EventID, reply.State, err)
		}
		return err
	}

	fmt.Printf("event %s on chunk %s reached %s\n", reply.EventID, reply.ChunkID, reply.State)
	return nil
}

var chunksCmd = &cli.Command{
	Name:  "chunks",
	Usage: "List chunks",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "ns",
			Usage: "Only list chunks of this namespace",
		},
	},
	Action: func(ctx *cli.Context) error {
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		chunks, err := c.ListChunks(ctx.String("ns"))
		if err != nil {
			return err
		}

		for _, chunk := range chunks {
			fmt.Println(chunk)
		}

		return nil
	},
}

var putCmd = &cli.Command{
	Name:  "put",
	Usage: "Create a chunk owned by a shard",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "ns", Required: true},
		&cli.StringFlag{Name: "min", Value: `{"_id": {"$minKey": 1}}`, Usage: "Lower bound as extended JSON"},
		&cli.StringFlag{Name: "max", Value: `{"_id": {"$maxKey": 1}}`, Usage: "Upper bound as extended JSON"},
		&cli.StringFlag{Name: "shard", Required: true},
		&cli.StringFlag{Name: "root-folder"},
	},
	Action: func(ctx *cli.Context) error {
		min, err := parseKey(ctx.String("min"))
		if err != nil {
			return err
		}
		max, err := parseKey(ctx.String("max"))
		if err != nil {
			return err
		}
		r, err := model.NewChunkRange(min, max)
		if err != nil {
			return err
		}

		chunk := model.NewChunk(ctx.String("ns"), r, model.NewChunkVersion(1, 0, primitive.NewObjectID()), ctx.String("shard"))
		chunk.Status = model.ChunkStatusAssigned
		chunk.RootFolder = ctx.String("root-folder")

		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		id, err := c.PutChunk(chunk)
		if err != nil {
			return err
		}

		fmt.Println(id)
		return nil
	},
}

var moveCmd = &cli.Command{
	Name:  "move",
	Usage: "Move a chunk to a shard",
	Flags: withChunkFlags(
		&cli.StringFlag{Name: "to", Required: true, Usage: "Destination shard"},
		&cli.Int64Flag{Name: "max-chunk-size", Value: 64 << 20, Usage: "Largest chunk size in bytes the move accepts"},
		&cli.BoolFlag{Name: "wait-for-delete", Usage: "Wait for the source copy to be removed"},
		&cli.BoolFlag{Name: "secondary-throttle", Usage: "Wait for a majority of replicas between batches"},
	),
	Action: func(ctx *cli.Context) error {
		return send(ctx, func(chunk model.Chunk) (bson.D, error) {
			throttle := configsvr.SecondaryThrottle{}
			if ctx.Bool("secondary-throttle") {
				wc := configsvr.MajorityWriteConcern
				throttle = configsvr.SecondaryThrottle{Mode: configsvr.ThrottleOn, WriteConcern: &wc}
			}
			return configsvr.SerializeToMoveCommand(chunk, ctx.String("to"), ctx.Int64("max-chunk-size"), throttle, ctx.Bool("wait-for-delete")), nil
		})
	},
}

var rebalanceCmd = &cli.Command{
	Name:  "rebalance",
	Usage: "Move a chunk to the shard the balancer picks",
	Flags: withChunkFlags(),
	Action: func(ctx *cli.Context) error {
		return send(ctx, func(chunk model.Chunk) (bson.D, error) {
			return configsvr.SerializeToRebalanceCommand(chunk), nil
		})
	},
}

var offloadCmd = &cli.Command{
	Name:  "offload",
	Usage: "Take a chunk away from its shard",
	Flags: withChunkFlags(),
	Action: func(ctx *cli.Context) error {
		return send(ctx, func(chunk model.Chunk) (bson.D, error) {
			return configsvr.SerializeToOffloadCommand(chunk), nil
		})
	},
}

var assignCmd = &cli.Command{
	Name:  "assign",
	Usage: "Hand an offloaded chunk to a shard",
	Flags: withChunkFlags(
		&cli.StringFlag{Name: "to", Required: true, Usage: "Destination shard"},
	),
	Action: func(ctx *cli.Context) error {
		return send(ctx, func(chunk model.Chunk) (bson.D, error) {
			return configsvr.SerializeToAssignCommand(chunk, ctx.String("to")), nil
		})
	},
}

var splitCmd = &cli.Command{
	Name:  "split",
	Usage: "Split a chunk at a key",
	Flags: withChunkFlags(
		&cli.StringFlag{Name: "at", Required: true, Usage: "Split point as extended JSON"},
	),
	Action: func(ctx *cli.Context) error {
		return send(ctx, func(chunk model.Chunk) (bson.D, error) {
			key, err := parseKey(ctx.String("at"))
			if err != nil {
				return nil, err
			}
			return configsvr.SerializeToSplitCommand(chunk, key), nil
		})
	},
}

var renameCmd = &cli.Command{
	Name:  "rename",
	Usage: "Move a chunk into another namespace",
	Flags: withChunkFlags(
		&cli.StringFlag{Name: "target", Required: true, Usage: "Target namespace"},
		&cli.BoolFlag{Name: "drop-target", Usage: "Replace an existing chunk in the target namespace"},
		&cli.BoolFlag{Name: "stay-temp"},
	),
	Action: func(ctx *cli.Context) error {
		return send(ctx, func(chunk model.Chunk) (bson.D, error) {
			return configsvr.SerializeToRenameCommand(chunk, ctx.String("target"), ctx.Bool("drop-target"), ctx.Bool("stay-temp")), nil
		})
	},
}

var roundCmd = &cli.Command{
	Name:  "round",
	Usage: "Run one balancer round now",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "aggressive", Usage: "Use the aggressive thresholds"},
	},
	Action: func(ctx *cli.Context) error {
		c, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		reply, err := c.RunRound(ctx.Bool("aggressive"))
		if err != nil {
			return err
		}

		fmt.Printf("splits: %d, moves: %d\n", reply.Splits, reply.Moves)
		return nil
	},
}
