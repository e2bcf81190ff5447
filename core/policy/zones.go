package policy

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/slices"

	"github.com/pyropy/chunkbalancer/core/model"
)

// TagZone restricts the key range of a namespace to a set of shards.
type TagZone struct {
	NS     string
	Tag    string
	Range  model.ChunkRange
	Shards []string
}

// Allows reports whether shardID may own keys of the zone.
func (z TagZone) Allows(shardID string) bool {
	return slices.Contains(z.Shards, shardID)
}

// TagZoneCatalog lists the zones configured for a namespace.
type TagZoneCatalog interface {
	Zones(ctx context.Context, ns string) ([]TagZone, error)
}

// boundariesInside returns the zone boundaries that fall strictly inside r,
// sorted and without duplicates.
func boundariesInside(r model.ChunkRange, zones []TagZone) []bson.D {
	var points []bson.D
	for _, z := range zones {
		for _, b := range []bson.D{z.Range.Min(), z.Range.Max()} {
			if r.ContainsKey(b) && model.CompareKeys(r.Min(), b) != 0 {
				points = append(points, b)
			}
		}
	}

	slices.SortFunc(points, model.CompareKeys)

	return slices.CompactFunc(points, func(a, b bson.D) bool {
		return model.CompareKeys(a, b) == 0
	})
}

// zoneAllows reports whether every zone overlapping r admits shardID.
func zoneAllows(r model.ChunkRange, zones []TagZone, shardID string) (TagZone, bool) {
	for _, z := range zones {
		if z.Range.Overlaps(r) && !z.Allows(shardID) {
			return z, false
		}
	}

	return TagZone{}, true
}
