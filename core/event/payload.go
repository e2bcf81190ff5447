package event

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/model"
)

// Variant field schema, shared with the balance command protocol.
var (
	FieldToShard           = model.Field{Name: "toShard", Kind: model.KindString}
	FieldMaxChunkSizeBytes = model.Field{Name: "maxChunkSizeBytes", Kind: model.KindInt}
	FieldWaitForDelete     = model.Field{Name: "waitForDelete", Kind: model.KindBool}
	FieldSplitPoint        = model.Field{Name: "splitPoint", Kind: model.KindDocument}
	FieldTargetCollection  = model.Field{Name: "targetCollection", Kind: model.KindString}
	FieldDropTarget        = model.Field{Name: "dropTarget", Kind: model.KindBool}
	FieldStayTemp          = model.Field{Name: "stayTemp", Kind: model.KindBool}
)

// Payload is the variant-specific part of an event. The concrete types are
// Move, Offload, Assign, Split and Rename.
type Payload interface {
	Type() model.BalanceType
	appendTo(doc bson.D) bson.D
}

// Move relocates a chunk to ToShard. A Move created by the balancer rather
// than requested explicitly is a rebalance.
type Move struct {
	ToShard           string
	MaxChunkSizeBytes int64
	WaitForDelete     bool
	Rebalance         bool
}

func (m Move) Type() model.BalanceType {
	if m.Rebalance {
		return model.BalanceTypeRebalance
	}

	return model.BalanceTypeMove
}

func (m Move) appendTo(doc bson.D) bson.D {
	return append(doc,
		bson.E{Key: FieldToShard.Name, Value: m.ToShard},
		bson.E{Key: FieldMaxChunkSizeBytes.Name, Value: m.MaxChunkSizeBytes},
		bson.E{Key: FieldWaitForDelete.Name, Value: m.WaitForDelete},
	)
}

// Offload parks a chunk: it leaves its owner and stays Offloaded.
type Offload struct{}

func (Offload) Type() model.BalanceType {
	return model.BalanceTypeOffload
}

func (Offload) appendTo(doc bson.D) bson.D {
	return doc
}

// Assign hands an offloaded chunk to ToShard.
type Assign struct {
	ToShard string
}

func (a Assign) Type() model.BalanceType {
	return model.BalanceTypeAssign
}

func (a Assign) appendTo(doc bson.D) bson.D {
	return append(doc, bson.E{Key: FieldToShard.Name, Value: a.ToShard})
}

// Split cuts a chunk at SplitPoint, minting a new chunk for [SplitPoint, max).
type Split struct {
	SplitPoint bson.D
}

func (s Split) Type() model.BalanceType {
	return model.BalanceTypeSplit
}

func (s Split) appendTo(doc bson.D) bson.D {
	return append(doc, bson.E{Key: FieldSplitPoint.Name, Value: s.SplitPoint})
}

// Rename moves a chunk into TargetNS under a new chunk id.
type Rename struct {
	TargetNS   string
	DropTarget bool
	StayTemp   bool
}

func (r Rename) Type() model.BalanceType {
	return model.BalanceTypeRename
}

func (r Rename) appendTo(doc bson.D) bson.D {
	return append(doc,
		bson.E{Key: FieldTargetCollection.Name, Value: r.TargetNS},
		bson.E{Key: FieldDropTarget.Name, Value: r.DropTarget},
		bson.E{Key: FieldStayTemp.Name, Value: r.StayTemp},
	)
}

// hasNewChunk reports whether events of balance type t mint a new chunk id.
func hasNewChunk(t model.BalanceType) bool {
	return t == model.BalanceTypeSplit || t == model.BalanceTypeRename
}

func decodePayload(t model.BalanceType, doc bson.D) (Payload, error) {
	switch t {
	case model.BalanceTypeMove, model.BalanceTypeRebalance:
		toShard, _, err := model.Extract[string](doc, FieldToShard)
		if err != nil {
			return nil, err
		}
		maxSize, _, err := model.Extract[int64](doc, FieldMaxChunkSizeBytes)
		if err != nil {
			return nil, err
		}
		waitForDelete, _, err := model.Extract[bool](doc, FieldWaitForDelete)
		if err != nil {
			return nil, err
		}
		return Move{
			ToShard:           toShard,
			MaxChunkSizeBytes: maxSize,
			WaitForDelete:     waitForDelete,
			Rebalance:         t == model.BalanceTypeRebalance,
		}, nil

	case model.BalanceTypeOffload:
		return Offload{}, nil

	case model.BalanceTypeAssign:
		toShard, _, err := model.Extract[string](doc, FieldToShard)
		if err != nil {
			return nil, err
		}
		return Assign{ToShard: toShard}, nil

	case model.BalanceTypeSplit:
		point, _, err := model.Extract[bson.D](doc, FieldSplitPoint)
		if err != nil {
			return nil, err
		}
		return Split{SplitPoint: point}, nil

	case model.BalanceTypeRename:
		target, _, err := model.Extract[string](doc, FieldTargetCollection)
		if err != nil {
			return nil, err
		}
		dropTarget, _, err := model.Extract[bool](doc, FieldDropTarget)
		if err != nil {
			return nil, err
		}
		stayTemp, _, err := model.Extract[bool](doc, FieldStayTemp)
		if err != nil {
			return nil, err
		}
		return Rename{TargetNS: target, DropTarget: dropTarget, StayTemp: stayTemp}, nil
	}

	return nil, &model.FieldError{Field: fieldBalanceType, Err: model.ErrBadValue, Detail: fmt.Sprint(int32(t))}
}
