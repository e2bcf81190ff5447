package shard

// Chunk identifies the chunk a shard step applies to. Min and Max are
// BSON-encoded range bounds.
type Chunk struct {
	ID     string
	NS     string
	Min    []byte
	Max    []byte
	Major  uint32
	Minor  uint32
	Epoch  string
	Folder string
}

type CommitOffloadArgs struct {
	Chunk Chunk
}

type CommitOffloadReply struct {
}

type CopyDataArgs struct {
	Chunk             Chunk
	ToShard           string
	ToAddress         string
	MaxChunkSizeBytes int64
	WaitForDelete     bool
}

type CopyDataReply struct {
	BytesCopied int64
}

type AssignChunkArgs struct {
	Chunk Chunk
}

type AssignChunkReply struct {
}

type SplitChunkArgs struct {
	Chunk      Chunk
	SplitPoint []byte
}

type SplitChunkReply struct {
}

type RenameChunkArgs struct {
	Source     Chunk
	Target     Chunk
	DropTarget bool
	StayTemp   bool
}

type RenameChunkReply struct {
}

type DropChunkArgs struct {
	ChunkID string
}

type DropChunkReply struct {
}

type HealthCheckArgs struct {
}

type HealthCheckReply struct {
	Status int
}

// IShard is implemented by shards receiving balance steps from the config
// server. Every step must be idempotent: after a restart the config server
// replays the step of the state it stopped in.
type IShard interface {
	CommitOffload(args *CommitOffloadArgs, reply *CommitOffloadReply) error
	CopyData(args *CopyDataArgs, reply *CopyDataReply) error
	AssignChunk(args *AssignChunkArgs, reply *AssignChunkReply) error
	SplitChunk(args *SplitChunkArgs, reply *SplitChunkReply) error
	RenameChunk(args *RenameChunkArgs, reply *RenameChunkReply) error
	DropChunk(args *DropChunkArgs, reply *DropChunkReply) error
	HealthCheck(args *HealthCheckArgs, reply *HealthCheckReply) error
}
