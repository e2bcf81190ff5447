package model

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ChunkIDDigitWidth is the width of the zero-padded textual chunk id.
const ChunkIDDigitWidth = 20

// NoProcessIdentity marks a chunk that no server process has claimed.
const NoProcessIdentity = "noidentity"

type ChunkStatus int32

const (
	ChunkStatusOffloaded ChunkStatus = iota
	ChunkStatusAssigned
	// ChunkStatusDisabled chunks are never considered by the balancer.
	ChunkStatusDisabled
	chunkStatusInvalid
)

func (s ChunkStatus) IsValid() bool {
	return s >= ChunkStatusOffloaded && s < chunkStatusInvalid
}

func (s ChunkStatus) String() string {
	switch s {
	case ChunkStatusOffloaded:
		return "Offloaded"
	case ChunkStatusAssigned:
		return "Assigned"
	case ChunkStatusDisabled:
		return "Disabled"
	default:
		return fmt.Sprintf("ChunkStatus(%d)", int32(s))
	}
}

// ChunkVersion is the per-namespace version of a chunk. Ownership changes
// increment Major, boundary changes increment Minor. A zero version is unset.
type ChunkVersion struct {
	Major uint32
	Minor uint32
	Epoch primitive.ObjectID
}

func NewChunkVersion(major, minor uint32, epoch primitive.ObjectID) ChunkVersion {
	return ChunkVersion{Major: major, Minor: minor, Epoch: epoch}
}

func (v ChunkVersion) IsSet() bool {
	return v.Major > 0 || v.Minor > 0
}

func (v ChunkVersion) IncMajor() ChunkVersion {
	return ChunkVersion{Major: v.Major + 1, Minor: 0, Epoch: v.Epoch}
}

func (v ChunkVersion) IncMinor() ChunkVersion {
	return ChunkVersion{Major: v.Major, Minor: v.Minor + 1, Epoch: v.Epoch}
}

// IsOlderThan reports whether v precedes other. Versions from different
// epochs are not ordered.
func (v ChunkVersion) IsOlderThan(other ChunkVersion) bool {
	if v.Epoch != other.Epoch {
		return false
	}
	if v.Major != other.Major {
		return v.Major < other.Major
	}

	return v.Minor < other.Minor
}

func (v ChunkVersion) String() string {
	return fmt.Sprintf("%d|%d||%s", v.Major, v.Minor, v.Epoch.Hex())
}

// ChunkRange is the half-open key interval [min, max).
type ChunkRange struct {
	min bson.D
	max bson.D
}

func NewChunkRange(min, max bson.D) (ChunkRange, error) {
	if err := validateRange(min, max); err != nil {
		return ChunkRange{}, err
	}

	return ChunkRange{min: min, max: max}, nil
}

func (r ChunkRange) Min() bson.D {
	return r.min
}

func (r ChunkRange) Max() bson.D {
	return r.max
}

// ContainsKey reports whether min <= key < max.
func (r ChunkRange) ContainsKey(key bson.D) bool {
	return CompareKeys(r.min, key) <= 0 && CompareKeys(key, r.max) < 0
}

// Overlaps reports whether the two ranges share at least one key.
func (r ChunkRange) Overlaps(other ChunkRange) bool {
	return CompareKeys(r.min, other.max) < 0 && CompareKeys(other.min, r.max) < 0
}

// Covers reports whether other lies entirely within r.
func (r ChunkRange) Covers(other ChunkRange) bool {
	return CompareKeys(r.min, other.min) <= 0 && CompareKeys(other.max, r.max) <= 0
}

func (r ChunkRange) Equal(other ChunkRange) bool {
	return CompareKeys(r.min, other.min) == 0 && CompareKeys(r.max, other.max) == 0
}

func (r ChunkRange) String() string {
	return fmt.Sprintf("[%v, %v)", r.min, r.max)
}

func validateRange(min, max bson.D) error {
	if len(min) == 0 {
		return missingField(FieldMin)
	}
	if len(max) == 0 {
		return missingField(FieldMax)
	}
	if len(min) != len(max) {
		return badValue(FieldMax, "min and max have a different number of fields")
	}
	for i := range min {
		if min[i].Key != max[i].Key {
			return badValue(FieldMax, "min and max have different field names")
		}
	}
	if CompareKeys(min, max) >= 0 {
		return badValue(FieldMax, "max is not greater than min")
	}

	return nil
}

// Chunk is the persisted unit of ownership: one key range of a namespace held
// by one shard.
type Chunk struct {
	ID              string
	NS              string
	Range           ChunkRange
	Version         ChunkVersion
	Shard           string
	Status          ChunkStatus
	Jumbo           bool
	RootFolder      string
	ProcessIdentity string
}

// NewChunk defines a chunk in status Offloaded with an id derived from ns and the range minimum.
func NewChunk(ns string, r ChunkRange, version ChunkVersion, shard string) Chunk {
	return Chunk{
		ID:      GenID(ns, r.Min()),
		NS:      ns,
		Range:   r,
		Version: version,
		Shard:   shard,
		Status:  ChunkStatusOffloaded,
	}
}

// GenID derives the chunk id from the namespace and the lower bound of the
// chunk. Keys that compare equal produce the same id.
func GenID(ns string, min bson.D) string {
	buf := make([]byte, 0, len(ns)+64)
	buf = append(buf, ns...)
	buf = append(buf, 0)
	buf = appendCanonicalKey(buf, min)

	return fmt.Sprintf("%0*d", ChunkIDDigitWidth, xxh3.Hash(buf))
}

func (c Chunk) Min() bson.D {
	return c.Range.Min()
}

func (c Chunk) Max() bson.D {
	return c.Range.Max()
}

// Name returns the chunk id without its zero padding.
func (c Chunk) Name() string {
	name := strings.TrimLeft(c.ID, "0")
	if name == "" && c.ID != "" {
		return "0"
	}

	return name
}

func (c Chunk) FullNS() string {
	return c.NS + "$" + c.Name()
}

// Identity returns the process identity of the last writer.
func (c Chunk) Identity() string {
	if c.ProcessIdentity == "" {
		return NoProcessIdentity
	}

	return c.ProcessIdentity
}

func (c Chunk) IsAssigned() bool {
	return c.Status == ChunkStatusAssigned
}

// Validate checks that every mandatory field is set, the status is in range
// and the bounds form a non-empty range. Only the first failure is reported.
func (c Chunk) Validate() error {
	for _, f := range chunkSchema {
		if !f.Required {
			continue
		}
		if _, ok := f.get(&c); !ok {
			return fmt.Errorf("%w: %w", ErrInvalidChunk, missingField(f.Name))
		}
	}

	if !c.Status.IsValid() {
		return fmt.Errorf("%w: %w", ErrInvalidChunk, badValue(FieldStatus, c.Status.String()))
	}

	if err := validateRange(c.Range.min, c.Range.max); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidChunk, err)
	}

	return nil
}

func (c Chunk) String() string {
	return fmt.Sprintf("ns: %s, id: %s, range: %s, version: %s, shard: %s, status: %s, jumbo: %t",
		c.NS, c.ID, c.Range, c.Version, c.Shard, c.Status, c.Jumbo)
}
