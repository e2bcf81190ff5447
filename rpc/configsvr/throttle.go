package configsvr

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/model"
)

const (
	fieldSecondaryThrottle = "secondaryThrottle"
	fieldWriteConcern      = "writeConcern"
	fieldW                 = "w"
	fieldWTimeout          = "wtimeout"

	// WriteMajority acknowledges a write once a majority of members has it.
	WriteMajority = "majority"
)

// WriteConcern is the acknowledgement a write must reach before it is
// reported as done. Either Mode ("majority" or a tag set name) or Nodes is set.
type WriteConcern struct {
	Mode     string
	Nodes    int32
	WTimeout time.Duration
}

// MajorityWriteConcern is attached to Move and Rebalance commands.
var MajorityWriteConcern = WriteConcern{Mode: WriteMajority, WTimeout: 15 * time.Second}

func (wc WriteConcern) ToBSON() bson.D {
	doc := bson.D{}
	if wc.Mode != "" {
		doc = append(doc, bson.E{Key: fieldW, Value: wc.Mode})
	} else {
		doc = append(doc, bson.E{Key: fieldW, Value: wc.Nodes})
	}

	return append(doc, bson.E{Key: fieldWTimeout, Value: int32(wc.WTimeout / time.Millisecond)})
}

var (
	fieldWTimeoutSchema     = model.Field{Name: fieldWTimeout, Kind: model.KindInt}
	fieldWriteConcernSchema = model.Field{Name: fieldWriteConcern, Kind: model.KindDocument}
	fieldThrottleFlag       = model.Field{Name: fieldSecondaryThrottle, Kind: model.KindBool}
	fieldThrottleDocument   = model.Field{Name: fieldSecondaryThrottle, Kind: model.KindDocument}
)

// WriteConcernFromBSON parses {w: <string|int>, wtimeout: <millis>}.
func WriteConcernFromBSON(doc bson.D) (WriteConcern, error) {
	var wc WriteConcern

	raw, ok := model.Lookup(doc, fieldW)
	if ok {
		switch w := raw.(type) {
		case string:
			wc.Mode = w
		default:
			n, ok := model.KindInt.Coerce(raw)
			if !ok {
				return wc, &model.FieldError{Field: fieldW, Err: model.ErrTypeMismatch, Detail: "expected string or integer"}
			}
			nodes, ok := model.Int32(n.(int64))
			if !ok || nodes < 0 {
				return wc, &model.FieldError{Field: fieldW, Err: model.ErrBadValue, Detail: fmt.Sprint(n)}
			}
			wc.Nodes = nodes
		}
	}

	timeout, _, err := model.Extract[int64](doc, fieldWTimeoutSchema)
	if err != nil {
		return wc, err
	}
	if timeout < 0 {
		return wc, &model.FieldError{Field: fieldWTimeout, Err: model.ErrBadValue, Detail: fmt.Sprint(timeout)}
	}
	wc.WTimeout = time.Duration(timeout) * time.Millisecond

	return wc, nil
}

// ThrottleMode says whether migrations wait for secondaries between batches.
type ThrottleMode int

const (
	// ThrottleDefault leaves the decision to the shard.
	ThrottleDefault ThrottleMode = iota
	ThrottleOn
	ThrottleOff
)

func (m ThrottleMode) String() string {
	switch m {
	case ThrottleOn:
		return "on"
	case ThrottleOff:
		return "off"
	default:
		return "default"
	}
}

// SecondaryThrottle controls how migration writes propagate to replicas.
// WriteConcern may only be set together with ThrottleOn.
type SecondaryThrottle struct {
	Mode         ThrottleMode
	WriteConcern *WriteConcern
}

func (t SecondaryThrottle) ToBSON() bson.D {
	doc := bson.D{}
	switch t.Mode {
	case ThrottleOn:
		doc = append(doc, bson.E{Key: fieldSecondaryThrottle, Value: true})
		if t.WriteConcern != nil {
			doc = append(doc, bson.E{Key: fieldWriteConcern, Value: t.WriteConcern.ToBSON()})
		}
	case ThrottleOff:
		doc = append(doc, bson.E{Key: fieldSecondaryThrottle, Value: false})
	}

	return doc
}

// SecondaryThrottleFromBSON parses the secondary throttle sub-document. An
// empty document yields ThrottleDefault.
func SecondaryThrottleFromBSON(doc bson.D) (SecondaryThrottle, error) {
	var t SecondaryThrottle

	on, present, err := model.Extract[bool](doc, fieldThrottleFlag)
	if err != nil {
		return t, err
	}
	if present {
		t.Mode = ThrottleOff
		if on {
			t.Mode = ThrottleOn
		}
	}

	wcDoc, present, err := model.Extract[bson.D](doc, fieldWriteConcernSchema)
	if err != nil {
		return t, err
	}
	if present {
		if t.Mode != ThrottleOn {
			return t, &model.FieldError{Field: fieldWriteConcern, Err: model.ErrBadValue, Detail: "write concern requires secondaryThrottle: true"}
		}
		wc, err := WriteConcernFromBSON(wcDoc)
		if err != nil {
			return t, fmt.Errorf("%s: %w", fieldSecondaryThrottle, err)
		}
		t.WriteConcern = &wc
	}

	return t, nil
}
