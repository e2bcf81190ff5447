package master

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/event"
	"github.com/pyropy/chunkbalancer/core/model"
)

var (
	ErrChunkNotFound = errors.New("chunk not found")
	ErrUnknownEvent  = errors.New("unknown rebalance event")
)

const (
	chunkPrefix = "/chunks"
	eventPrefix = "/events"
)

// ChunkCatalogStore is the system of record for chunks and the rebalance
// events working on them. Both are stored as BSON documents in leveldb.
type ChunkCatalogStore struct {
	Catalog *dslvl.Datastore
}

func NewChunkCatalogStore(dsPath string) (*ChunkCatalogStore, error) {
	p := fmt.Sprintf("%s/catalog", dsPath)
	store, err := dslvl.NewDatastore(p, nil)
	if err != nil {
		return nil, err
	}

	return &ChunkCatalogStore{
		Catalog: store,
	}, nil
}

func (s *ChunkCatalogStore) Close() error {
	return s.Catalog.Close()
}

func chunkKey(chunkID string) ds.Key {
	return ds.NewKey(chunkPrefix).ChildString(chunkID)
}

func eventKey(eventID string) ds.Key {
	return ds.NewKey(eventPrefix).ChildString(eventID)
}

// PutChunk writes c outside of any event. Used to seed the catalog and for
// fields no event owns.
func (s *ChunkCatalogStore) PutChunk(ctx context.Context, c model.Chunk) error {
	if err := c.Validate(); err != nil {
		return err
	}

	b, err := c.Marshal()
	if err != nil {
		return err
	}

	return s.Catalog.Put(ctx, chunkKey(c.ID), b)
}

func (s *ChunkCatalogStore) GetChunk(ctx context.Context, chunkID string) (model.Chunk, error) {
	b, err := s.Catalog.Get(ctx, chunkKey(chunkID))
	if errors.Is(err, ds.ErrNotFound) {
		return model.Chunk{}, fmt.Errorf("%w: %s", ErrChunkNotFound, chunkID)
	}
	if err != nil {
		return model.Chunk{}, err
	}

	return model.Unmarshal(b)
}

func (s *ChunkCatalogStore) DeleteChunk(ctx context.Context, chunkID string) error {
	return s.Catalog.Delete(ctx, chunkKey(chunkID))
}

// ListChunks returns the chunks of ns ordered by range.
func (s *ChunkCatalogStore) ListChunks(ctx context.Context, ns string) ([]model.Chunk, error) {
	chunks := make([]model.Chunk, 0)
	err := s.eachChunk(ctx, func(c model.Chunk) {
		if c.NS == ns {
			chunks = append(chunks, c)
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool {
		return model.CompareKeys(chunks[i].Min(), chunks[j].Min()) < 0
	})

	return chunks, nil
}

// Namespaces returns every namespace with at least one chunk, sorted.
func (s *ChunkCatalogStore) Namespaces(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	err := s.eachChunk(ctx, func(c model.Chunk) {
		seen[c.NS] = struct{}{}
	})
	if err != nil {
		return nil, err
	}

	namespaces := make([]string, 0, len(seen))
	for ns := range seen {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	return namespaces, nil
}

// HighestVersion returns the newest chunk version of ns, or the zero version
// when ns has no chunks.
func (s *ChunkCatalogStore) HighestVersion(ctx context.Context, ns string) (model.ChunkVersion, error) {
	var highest model.ChunkVersion
	err := s.eachChunk(ctx, func(c model.Chunk) {
		if c.NS == ns && (!highest.IsSet() || highest.IsOlderThan(c.Version)) {
			highest = c.Version
		}
	})

	return highest, err
}

func (s *ChunkCatalogStore) SetJumbo(ctx context.Context, chunkID string, jumbo bool) error {
	return s.update(ctx, chunkID, func(c *model.Chunk) {
		c.Jumbo = jumbo
	})
}

func (s *ChunkCatalogStore) SetRootFolder(ctx context.Context, chunkID, folder string) error {
	return s.update(ctx, chunkID, func(c *model.Chunk) {
		c.RootFolder = folder
	})
}

func (s *ChunkCatalogStore) update(ctx context.Context, chunkID string, f func(c *model.Chunk)) error {
	c, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	f(&c)

	return s.PutChunk(ctx, c)
}

// PersistEvent writes the event document, the chunks in put and the removal
// of the chunks in remove in one leveldb batch.
func (s *ChunkCatalogStore) PersistEvent(ctx context.Context, eventID string, doc bson.D, put []model.Chunk, remove []string) error {
	b, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", eventID, err)
	}

	batch, err := s.Catalog.Batch(ctx)
	if err != nil {
		return err
	}

	if err := batch.Put(ctx, eventKey(eventID), b); err != nil {
		return err
	}
	for _, c := range put {
		cb, err := c.Marshal()
		if err != nil {
			return err
		}
		if err := batch.Put(ctx, chunkKey(c.ID), cb); err != nil {
			return err
		}
	}
	for _, id := range remove {
		if err := batch.Delete(ctx, chunkKey(id)); err != nil {
			return err
		}
	}

	return batch.Commit(ctx)
}

func (s *ChunkCatalogStore) DeleteEvent(ctx context.Context, eventID string) error {
	exists, err := s.Catalog.Has(ctx, eventKey(eventID))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, eventID)
	}

	return s.Catalog.Delete(ctx, eventKey(eventID))
}

// LoadEvents rehydrates every persisted event. Transitions on the returned
// events are persisted back to s.
func (s *ChunkCatalogStore) LoadEvents(ctx context.Context, opts ...event.Option) ([]*event.Event, error) {
	res, err := s.Catalog.Query(ctx, dsq.Query{Prefix: eventPrefix})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	events := make([]*event.Event, 0)
	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return nil, r.Error
		}

		ev, err := event.Unmarshal(r.Value, s, opts...)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", strings.TrimPrefix(r.Key, eventPrefix+"/"), err)
		}
		events = append(events, ev)
	}

	return events, nil
}

func (s *ChunkCatalogStore) eachChunk(ctx context.Context, f func(c model.Chunk)) error {
	res, err := s.Catalog.Query(ctx, dsq.Query{Prefix: chunkPrefix})
	if err != nil {
		return err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return r.Error
		}

		c, err := model.Unmarshal(r.Value)
		if err != nil {
			return fmt.Errorf("chunk %s: %w", r.Key, err)
		}
		f(c)
	}

	return nil
}
