package model

import (
	"fmt"
	"math"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind is the structured-value type a document field is expected to hold.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
	KindDocument
	KindTimestamp
	KindObjectID
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "integer"
	case KindDocument:
		return "object"
	case KindTimestamp:
		return "timestamp"
	case KindObjectID:
		return "objectId"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Coerce converts v into the Go representation of the kind: string, bool,
// int64, bson.D, primitive.Timestamp, primitive.ObjectID or bson.A.
// Integer fields accept any integral numeric value.
func (k Kind) Coerce(v interface{}) (interface{}, bool) {
	switch k {
	case KindString:
		s, ok := v.(string)
		return s, ok
	case KindBool:
		b, ok := v.(bool)
		return b, ok
	case KindInt:
		switch n := v.(type) {
		case int32:
			return int64(n), true
		case int64:
			return n, true
		case int:
			return int64(n), true
		case float64:
			if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
				return nil, false
			}
			return int64(n), true
		}
		return nil, false
	case KindDocument:
		d, ok := v.(primitive.D)
		return d, ok
	case KindTimestamp:
		ts, ok := v.(primitive.Timestamp)
		return ts, ok
	case KindObjectID:
		oid, ok := v.(primitive.ObjectID)
		return oid, ok
	case KindArray:
		a, ok := v.(primitive.A)
		return a, ok
	}

	return nil, false
}

// Int32 narrows n, reporting false when it does not fit.
func Int32(n int64) (int32, bool) {
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, false
	}

	return int32(n), true
}

// Field describes one entry of a document schema. Encoders and decoders share
// Field values so that names, types and presence rules cannot drift apart.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Lookup returns the value stored under name in doc.
func Lookup(doc bson.D, name string) (interface{}, bool) {
	for _, e := range doc {
		if e.Key == name {
			return e.Value, true
		}
	}

	return nil, false
}

// Extract reads f from doc. A missing optional field returns present=false and
// no error; a missing required field returns ErrNoSuchKey and a field of the
// wrong type returns ErrTypeMismatch, both wrapped in a *FieldError.
func Extract[T any](doc bson.D, f Field) (value T, present bool, err error) {
	raw, ok := Lookup(doc, f.Name)
	if !ok {
		if f.Required {
			return value, false, missingField(f.Name)
		}
		return value, false, nil
	}

	coerced, ok := f.Kind.Coerce(raw)
	if !ok {
		return value, true, &FieldError{Field: f.Name, Err: ErrTypeMismatch, Detail: "expected " + f.Kind.String()}
	}

	value, ok = coerced.(T)
	if !ok {
		return value, true, &FieldError{Field: f.Name, Err: ErrTypeMismatch, Detail: "expected " + f.Kind.String()}
	}

	return value, true, nil
}

// Chunk document field names.
const (
	FieldID              = "_id"
	FieldNS              = "ns"
	FieldMin             = "min"
	FieldMax             = "max"
	FieldShard           = "shard"
	FieldLastmod         = "lastmod"
	FieldLastmodEpoch    = "lastmodEpoch"
	FieldJumbo           = "jumbo"
	FieldStatus          = "status"
	FieldRootFolder      = "rootFolder"
	FieldProcessIdentity = "processIdentity"
)

type chunkField struct {
	Field
	get func(c *Chunk) (interface{}, bool)
	set func(c *Chunk, v interface{})
	// check, when set, vets a coerced value before set sees it.
	check func(v interface{}) error
}

// chunkSchema lists the chunk fields in serialization order. Required fields
// are also checked in this order by Validate, which reports the first one missing.
var chunkSchema = []chunkField{
	{
		Field: Field{Name: FieldID, Kind: KindString, Required: true},
		get:   func(c *Chunk) (interface{}, bool) { return c.ID, c.ID != "" },
		set:   func(c *Chunk, v interface{}) { c.ID = v.(string) },
	},
	{
		Field: Field{Name: FieldNS, Kind: KindString, Required: true},
		get:   func(c *Chunk) (interface{}, bool) { return c.NS, c.NS != "" },
		set:   func(c *Chunk, v interface{}) { c.NS = v.(string) },
	},
	{
		Field: Field{Name: FieldMin, Kind: KindDocument, Required: true},
		get:   func(c *Chunk) (interface{}, bool) { return c.Range.min, len(c.Range.min) > 0 },
		set:   func(c *Chunk, v interface{}) { c.Range.min = v.(primitive.D) },
	},
	{
		Field: Field{Name: FieldMax, Kind: KindDocument, Required: true},
		get:   func(c *Chunk) (interface{}, bool) { return c.Range.max, len(c.Range.max) > 0 },
		set:   func(c *Chunk, v interface{}) { c.Range.max = v.(primitive.D) },
	},
	{
		Field: Field{Name: FieldShard, Kind: KindString, Required: true},
		get:   func(c *Chunk) (interface{}, bool) { return c.Shard, c.Shard != "" },
		set:   func(c *Chunk, v interface{}) { c.Shard = v.(string) },
	},
	{
		Field: Field{Name: FieldLastmod, Kind: KindTimestamp, Required: true},
		get: func(c *Chunk) (interface{}, bool) {
			return primitive.Timestamp{T: c.Version.Major, I: c.Version.Minor}, c.Version.IsSet()
		},
		set: func(c *Chunk, v interface{}) {
			ts := v.(primitive.Timestamp)
			c.Version.Major, c.Version.Minor = ts.T, ts.I
		},
	},
	{
		Field: Field{Name: FieldLastmodEpoch, Kind: KindObjectID},
		get:   func(c *Chunk) (interface{}, bool) { return c.Version.Epoch, !c.Version.Epoch.IsZero() },
		set:   func(c *Chunk, v interface{}) { c.Version.Epoch = v.(primitive.ObjectID) },
	},
	{
		Field: Field{Name: FieldJumbo, Kind: KindBool},
		get:   func(c *Chunk) (interface{}, bool) { return c.Jumbo, c.Jumbo },
		set:   func(c *Chunk, v interface{}) { c.Jumbo = v.(bool) },
	},
	{
		Field: Field{Name: FieldStatus, Kind: KindInt},
		get:   func(c *Chunk) (interface{}, bool) { return int32(c.Status), true },
		set:   func(c *Chunk, v interface{}) { c.Status = ChunkStatus(v.(int64)) },
		check: func(v interface{}) error {
			if _, ok := Int32(v.(int64)); !ok {
				return badValue(FieldStatus, fmt.Sprint(v))
			}
			return nil
		},
	},
	{
		Field: Field{Name: FieldRootFolder, Kind: KindString},
		get:   func(c *Chunk) (interface{}, bool) { return c.RootFolder, c.RootFolder != "" },
		set:   func(c *Chunk, v interface{}) { c.RootFolder = v.(string) },
	},
	{
		Field: Field{Name: FieldProcessIdentity, Kind: KindString},
		get:   func(c *Chunk) (interface{}, bool) { return c.ProcessIdentity, c.ProcessIdentity != "" },
		set:   func(c *Chunk, v interface{}) { c.ProcessIdentity = v.(string) },
	},
}
