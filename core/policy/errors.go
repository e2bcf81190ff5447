package policy

import "errors"

var (
	ErrMalformedStatistics = errors.New("malformed cluster statistics")
	ErrMoveNotAllowed      = errors.New("move not allowed by tag zone")
	ErrShardUnavailable    = errors.New("shard unavailable")
	ErrChunkNotFound       = errors.New("chunk not found")
)
