package configsvr

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/event"
	"github.com/pyropy/chunkbalancer/core/model"
)

const (
	// CommandName is the first field of every balance command.
	CommandName = "_configsvrBalanceChunk"

	fieldBalanceType = "balanceType"
)

var (
	ErrToShardRequired    = errors.New("toShard is required")
	ErrSplitPointRequired = errors.New("split point is required")
	ErrTargetRequired     = errors.New("target collection is required")
)

var fieldBalanceTypeSchema = model.Field{Name: fieldBalanceType, Kind: model.KindInt, Required: true}

// BalanceChunkRequest is a parsed balance command. Fields that do not apply to
// Type are left at their zero value.
type BalanceChunkRequest struct {
	Type              model.BalanceType
	Chunk             model.Chunk
	SecondaryThrottle SecondaryThrottle
	ToShard           string
	MaxChunkSizeBytes int64
	WaitForDelete     bool
	SplitPoint        bson.D
	TargetNS          string
	DropTarget        bool
	StayTemp          bool
}

// ParseFromCommand decodes a balance command. Absent optional fields take
// their defaults; present fields of the wrong type fail with
// model.ErrTypeMismatch. toShard is optional here even for Move and Assign,
// use ValidateForExecution before acting on the request.
func ParseFromCommand(doc bson.D) (BalanceChunkRequest, error) {
	var req BalanceChunkRequest

	rawType, _, err := model.Extract[int64](doc, fieldBalanceTypeSchema)
	if err != nil {
		return req, err
	}
	req.Type = model.BalanceType(rawType)
	if !req.Type.IsValid() {
		return req, &model.FieldError{Field: fieldBalanceType, Err: model.ErrBadValue, Detail: fmt.Sprint(rawType)}
	}

	req.Chunk, err = model.FromBSON(doc)
	if err != nil {
		return req, err
	}

	throttleDoc, _, err := model.Extract[bson.D](doc, fieldThrottleDocument)
	if err != nil {
		return req, err
	}
	req.SecondaryThrottle, err = SecondaryThrottleFromBSON(throttleDoc)
	if err != nil {
		return req, err
	}

	if req.WaitForDelete, _, err = model.Extract[bool](doc, event.FieldWaitForDelete); err != nil {
		return req, err
	}
	if req.MaxChunkSizeBytes, _, err = model.Extract[int64](doc, event.FieldMaxChunkSizeBytes); err != nil {
		return req, err
	}

	toShard, present, err := model.Extract[string](doc, event.FieldToShard)
	if err != nil {
		return req, err
	}
	if present && toShard == "" {
		return req, &model.FieldError{Field: event.FieldToShard.Name, Err: model.ErrBadValue, Detail: "to shard cannot be empty"}
	}
	req.ToShard = toShard

	if req.SplitPoint, _, err = model.Extract[bson.D](doc, event.FieldSplitPoint); err != nil {
		return req, err
	}
	if req.TargetNS, _, err = model.Extract[string](doc, event.FieldTargetCollection); err != nil {
		return req, err
	}
	if req.DropTarget, _, err = model.Extract[bool](doc, event.FieldDropTarget); err != nil {
		return req, err
	}
	if req.StayTemp, _, err = model.Extract[bool](doc, event.FieldStayTemp); err != nil {
		return req, err
	}

	return req, nil
}

// ValidateForExecution checks the fields the request type needs before an
// event is created for it.
func (r BalanceChunkRequest) ValidateForExecution() error {
	if err := r.Chunk.Validate(); err != nil {
		return err
	}

	switch r.Type {
	case model.BalanceTypeMove, model.BalanceTypeAssign:
		if r.ToShard == "" {
			return fmt.Errorf("%s of chunk %s: %w", r.Type, r.Chunk.ID, ErrToShardRequired)
		}
		if r.ToShard == r.Chunk.Shard && r.Chunk.IsAssigned() {
			return fmt.Errorf("%s of chunk %s: %w: chunk is already owned by %s", r.Type, r.Chunk.ID, model.ErrBadValue, r.ToShard)
		}
	case model.BalanceTypeSplit:
		if len(r.SplitPoint) == 0 {
			return fmt.Errorf("split of chunk %s: %w", r.Chunk.ID, ErrSplitPointRequired)
		}
		if !r.Chunk.Range.ContainsKey(r.SplitPoint) || model.CompareKeys(r.SplitPoint, r.Chunk.Min()) == 0 {
			return fmt.Errorf("split of chunk %s: %w: %v is not inside %s", r.Chunk.ID, model.ErrBadValue, r.SplitPoint, r.Chunk.Range)
		}
	case model.BalanceTypeRename:
		if r.TargetNS == "" {
			return fmt.Errorf("rename of chunk %s: %w", r.Chunk.ID, ErrTargetRequired)
		}
		if r.TargetNS == r.Chunk.NS {
			return fmt.Errorf("rename of chunk %s: %w: target equals source namespace", r.Chunk.ID, model.ErrBadValue)
		}
	}

	return nil
}

// Payload converts the request into the event payload that executes it.
func (r BalanceChunkRequest) Payload() event.Payload {
	switch r.Type {
	case model.BalanceTypeMove, model.BalanceTypeRebalance:
		return event.Move{
			ToShard:           r.ToShard,
			MaxChunkSizeBytes: r.MaxChunkSizeBytes,
			WaitForDelete:     r.WaitForDelete,
			Rebalance:         r.Type == model.BalanceTypeRebalance,
		}
	case model.BalanceTypeOffload:
		return event.Offload{}
	case model.BalanceTypeAssign:
		return event.Assign{ToShard: r.ToShard}
	case model.BalanceTypeSplit:
		return event.Split{SplitPoint: r.SplitPoint}
	case model.BalanceTypeRename:
		return event.Rename{TargetNS: r.TargetNS, DropTarget: r.DropTarget, StayTemp: r.StayTemp}
	}

	return nil
}

// ToCommand serializes the request back into its command document.
func (r BalanceChunkRequest) ToCommand() bson.D {
	switch r.Type {
	case model.BalanceTypeMove:
		return SerializeToMoveCommand(r.Chunk, r.ToShard, r.MaxChunkSizeBytes, r.SecondaryThrottle, r.WaitForDelete)
	case model.BalanceTypeRebalance:
		return SerializeToRebalanceCommand(r.Chunk)
	case model.BalanceTypeOffload:
		return SerializeToOffloadCommand(r.Chunk)
	case model.BalanceTypeAssign:
		return SerializeToAssignCommand(r.Chunk, r.ToShard)
	case model.BalanceTypeSplit:
		return SerializeToSplitCommand(r.Chunk, r.SplitPoint)
	case model.BalanceTypeRename:
		return SerializeToRenameCommand(r.Chunk, r.TargetNS, r.DropTarget, r.StayTemp)
	}

	panic(fmt.Sprintf("unknown balance type %d", int32(r.Type)))
}

// SerializeToMoveCommand builds a Move command. The chunk must be valid.
func SerializeToMoveCommand(chunk model.Chunk, toShard string, maxChunkSizeBytes int64, throttle SecondaryThrottle, waitForDelete bool) bson.D {
	cmd := header(model.BalanceTypeMove, chunk)
	cmd = append(cmd,
		bson.E{Key: event.FieldToShard.Name, Value: toShard},
		bson.E{Key: event.FieldMaxChunkSizeBytes.Name, Value: maxChunkSizeBytes},
		bson.E{Key: fieldSecondaryThrottle, Value: throttle.ToBSON()},
		bson.E{Key: event.FieldWaitForDelete.Name, Value: waitForDelete},
	)

	return append(cmd, bson.E{Key: fieldWriteConcern, Value: MajorityWriteConcern.ToBSON()})
}

// SerializeToRebalanceCommand builds a Rebalance command; the config server
// picks the destination.
func SerializeToRebalanceCommand(chunk model.Chunk) bson.D {
	cmd := header(model.BalanceTypeRebalance, chunk)
	return append(cmd, bson.E{Key: fieldWriteConcern, Value: MajorityWriteConcern.ToBSON()})
}

func SerializeToOffloadCommand(chunk model.Chunk) bson.D {
	return header(model.BalanceTypeOffload, chunk)
}

func SerializeToAssignCommand(chunk model.Chunk, toShard string) bson.D {
	cmd := header(model.BalanceTypeAssign, chunk)
	return append(cmd, bson.E{Key: event.FieldToShard.Name, Value: toShard})
}

func SerializeToSplitCommand(chunk model.Chunk, splitPoint bson.D) bson.D {
	cmd := header(model.BalanceTypeSplit, chunk)
	return append(cmd, bson.E{Key: event.FieldSplitPoint.Name, Value: splitPoint})
}

func SerializeToRenameCommand(chunk model.Chunk, targetNS string, dropTarget, stayTemp bool) bson.D {
	cmd := header(model.BalanceTypeRename, chunk)
	return append(cmd,
		bson.E{Key: event.FieldTargetCollection.Name, Value: targetNS},
		bson.E{Key: event.FieldDropTarget.Name, Value: dropTarget},
		bson.E{Key: event.FieldStayTemp.Name, Value: stayTemp},
	)
}

// HasWriteConcern reports whether cmd carries a write concern.
func HasWriteConcern(cmd bson.D) bool {
	_, ok := model.Lookup(cmd, fieldWriteConcern)
	return ok
}

func header(t model.BalanceType, chunk model.Chunk) bson.D {
	mustValidate(chunk)

	cmd := bson.D{
		{Key: CommandName, Value: int32(1)},
		{Key: fieldBalanceType, Value: int32(t)},
	}

	return append(cmd, chunk.ToBSON()...)
}

// mustValidate panics on an invalid chunk: commands are only ever built from
// chunks that already passed validation.
func mustValidate(chunk model.Chunk) {
	if err := chunk.Validate(); err != nil {
		panic(fmt.Sprintf("balance command for invalid chunk %q: %v", chunk.ID, err))
	}
}
