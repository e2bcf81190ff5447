package client

import "errors"

var (
	ErrChunkNotFound = errors.New("chunk not found")
)
