package master

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"gopkg.in/yaml.v3"

	"github.com/pyropy/chunkbalancer/core/model"
	"github.com/pyropy/chunkbalancer/core/policy"
)

var (
	ErrInvalidZone = errors.New("invalid tag zone")
	ErrZoneOverlap = errors.New("tag zones overlap")
)

const (
	minKeyLiteral = "$minKey"
	maxKeyLiteral = "$maxKey"
)

// ZoneCatalog holds the tag zones of every namespace.
type ZoneCatalog struct {
	mu    sync.RWMutex
	zones map[string][]policy.TagZone
}

func NewZoneCatalog() *ZoneCatalog {
	return &ZoneCatalog{
		zones: make(map[string][]policy.TagZone),
	}
}

type zoneFile struct {
	Zones []zoneEntry `yaml:"zones"`
}

type zoneEntry struct {
	NS     string    `yaml:"ns"`
	Tag    string    `yaml:"tag"`
	Min    yaml.Node `yaml:"min"`
	Max    yaml.Node `yaml:"max"`
	Shards []string  `yaml:"shards"`
}

// LoadZoneFile adds the zones listed in a YAML file of the form
//
//	zones:
//	  - ns: db.users
//	    tag: eu
//	    min: {region: "eu", id: $minKey}
//	    max: {region: "eu", id: $maxKey}
//	    shards: [shard-a]
//
// Key fields keep the order they are written in.
func (z *ZoneCatalog) LoadZoneFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var f zoneFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("zone file %s: %w", path, err)
	}

	for i, e := range f.Zones {
		min, err := keyFromNode(&e.Min)
		if err != nil {
			return fmt.Errorf("zone %d min: %w", i, err)
		}
		max, err := keyFromNode(&e.Max)
		if err != nil {
			return fmt.Errorf("zone %d max: %w", i, err)
		}
		r, err := model.NewChunkRange(min, max)
		if err != nil {
			return fmt.Errorf("zone %d: %w: %w", i, ErrInvalidZone, err)
		}

		if err := z.AddZone(policy.TagZone{NS: e.NS, Tag: e.Tag, Range: r, Shards: e.Shards}); err != nil {
			return err
		}
	}

	return nil
}

// AddZone registers zone. Zones of one namespace may not overlap.
func (z *ZoneCatalog) AddZone(zone policy.TagZone) error {
	if zone.NS == "" || len(zone.Shards) == 0 {
		return fmt.Errorf("%w: zone %q needs a namespace and at least one shard", ErrInvalidZone, zone.Tag)
	}

	z.mu.Lock()
	defer z.mu.Unlock()

	for _, existing := range z.zones[zone.NS] {
		if existing.Range.Overlaps(zone.Range) {
			return fmt.Errorf("%w: %s and %s in %s", ErrZoneOverlap, existing.Tag, zone.Tag, zone.NS)
		}
	}

	zones := append(z.zones[zone.NS], zone)
	sort.Slice(zones, func(i, j int) bool {
		return model.CompareKeys(zones[i].Range.Min(), zones[j].Range.Min()) < 0
	})
	z.zones[zone.NS] = zones

	return nil
}

// Zones returns the zones of ns ordered by range.
func (z *ZoneCatalog) Zones(_ context.Context, ns string) ([]policy.TagZone, error) {
	z.mu.RLock()
	defer z.mu.RUnlock()

	return append([]policy.TagZone(nil), z.zones[ns]...), nil
}

func keyFromNode(n *yaml.Node) (bson.D, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: key must be a mapping", ErrInvalidZone)
	}

	key := make(bson.D, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		v, err := scalarValue(n.Content[i+1])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n.Content[i].Value, err)
		}
		key = append(key, bson.E{Key: n.Content[i].Value, Value: v})
	}

	return key, nil
}

func scalarValue(n *yaml.Node) (interface{}, error) {
	if n.Kind != yaml.ScalarNode {
		return nil, fmt.Errorf("%w: key values must be scalars", ErrInvalidZone)
	}

	switch n.Tag {
	case "!!int":
		return strconv.ParseInt(n.Value, 0, 64)
	case "!!float":
		return strconv.ParseFloat(n.Value, 64)
	case "!!bool":
		return strconv.ParseBool(n.Value)
	case "!!null":
		return nil, nil
	}

	switch n.Value {
	case minKeyLiteral:
		return primitive.MinKey{}, nil
	case maxKeyLiteral:
		return primitive.MaxKey{}, nil
	}

	return n.Value, nil
}
