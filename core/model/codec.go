package model

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// ToBSON returns the document form of the chunk. Optional fields that are
// unset are omitted.
func (c Chunk) ToBSON() bson.D {
	doc := make(bson.D, 0, len(chunkSchema))
	for _, f := range chunkSchema {
		if v, ok := f.get(&c); ok {
			doc = append(doc, bson.E{Key: f.Name, Value: v})
		}
	}

	return doc
}

// FromBSON parses a chunk from doc. Fields that are not part of the chunk
// schema are ignored, so chunk fields embedded in a larger document (an event
// or a command) can be read directly.
func FromBSON(doc bson.D) (Chunk, error) {
	var c Chunk
	for _, f := range chunkSchema {
		v, present, err := Extract[interface{}](doc, f.Field)
		if err != nil {
			return Chunk{}, err
		}
		if !present {
			continue
		}
		if f.check != nil {
			if err := f.check(v); err != nil {
				return Chunk{}, err
			}
		}
		f.set(&c, v)
	}

	if !c.Status.IsValid() {
		return Chunk{}, badValue(FieldStatus, c.Status.String())
	}

	if err := c.Validate(); err != nil {
		return Chunk{}, err
	}

	return c, nil
}

// ChunkRangeFromBSON parses a range stored as {min: <key>, max: <key>}.
func ChunkRangeFromBSON(doc bson.D) (ChunkRange, error) {
	min, _, err := Extract[bson.D](doc, Field{Name: FieldMin, Kind: KindDocument, Required: true})
	if err != nil {
		return ChunkRange{}, err
	}

	max, _, err := Extract[bson.D](doc, Field{Name: FieldMax, Kind: KindDocument, Required: true})
	if err != nil {
		return ChunkRange{}, err
	}

	return NewChunkRange(min, max)
}

// ToBSON writes the range as {min: <key>, max: <key>}.
func (r ChunkRange) ToBSON() bson.D {
	return bson.D{{Key: FieldMin, Value: r.min}, {Key: FieldMax, Value: r.max}}
}

// Marshal encodes the chunk document to BSON bytes.
func (c Chunk) Marshal() ([]byte, error) {
	b, err := bson.Marshal(c.ToBSON())
	if err != nil {
		return nil, fmt.Errorf("marshal chunk %s: %w", c.ID, err)
	}

	return b, nil
}

// Unmarshal decodes BSON bytes written by Marshal.
func Unmarshal(b []byte) (Chunk, error) {
	var doc bson.D
	if err := bson.Unmarshal(b, &doc); err != nil {
		return Chunk{}, fmt.Errorf("unmarshal chunk: %w", err)
	}

	return FromBSON(doc)
}
