package event

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/pyropy/chunkbalancer/core/model"
)

const fieldBalanceType = "balanceType"

var (
	fieldEventID     = model.Field{Name: "_id", Kind: model.KindString, Required: true}
	fieldChunkID     = model.Field{Name: "chunkId", Kind: model.KindString, Required: true}
	fieldType        = model.Field{Name: fieldBalanceType, Kind: model.KindInt, Required: true}
	fieldCurState    = model.Field{Name: "curState", Kind: model.KindInt, Required: true}
	fieldPrevState   = model.Field{Name: "prevState", Kind: model.KindInt, Required: true}
	fieldUserCommand = model.Field{Name: "userCommand", Kind: model.KindBool}
	fieldChunk       = model.Field{Name: "chunk", Kind: model.KindDocument, Required: true}
	fieldNewChunk    = model.Field{Name: "newChunk", Kind: model.KindDocument}
	fieldDropped     = model.Field{Name: "droppedChunks", Kind: model.KindArray}
	fieldRollback    = model.Field{Name: "rollback", Kind: model.KindDocument}
	fieldState       = model.Field{Name: "state", Kind: model.KindInt, Required: true}
)

// Encode returns the document form of the event: identity, balance type,
// current and previous state, the chunk snapshots, the rollback slot and the
// variant payload. Decode restores an equivalent event from it.
func (e *Event) Encode() bson.D {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.encodeLocked()
}

func (e *Event) encodeLocked() bson.D {
	return encodeDocument(e, e.current, e.prevState, e.rollback)
}

func encodeDocument(e *Event, cur snapshot, prevState State, rollback *snapshot) bson.D {
	doc := bson.D{
		{Key: fieldEventID.Name, Value: e.id},
		{Key: fieldChunkID.Name, Value: e.chunkID},
		{Key: fieldType.Name, Value: int32(e.payload.Type())},
		{Key: fieldCurState.Name, Value: int32(cur.state)},
		{Key: fieldPrevState.Name, Value: int32(prevState)},
		{Key: fieldUserCommand.Name, Value: e.userCommand},
	}
	doc = appendSnapshotChunks(doc, cur)
	if rollback != nil {
		slot := bson.D{{Key: fieldState.Name, Value: int32(rollback.state)}}
		doc = append(doc, bson.E{Key: fieldRollback.Name, Value: appendSnapshotChunks(slot, *rollback)})
	}

	return e.payload.appendTo(doc)
}

func appendSnapshotChunks(doc bson.D, s snapshot) bson.D {
	doc = append(doc, bson.E{Key: fieldChunk.Name, Value: s.chunk.ToBSON()})
	if s.newChunk != nil {
		doc = append(doc, bson.E{Key: fieldNewChunk.Name, Value: s.newChunk.ToBSON()})
	}
	if len(s.dropped) > 0 {
		dropped := make(bson.A, 0, len(s.dropped))
		for _, c := range s.dropped {
			dropped = append(dropped, c.ToBSON())
		}
		doc = append(doc, bson.E{Key: fieldDropped.Name, Value: dropped})
	}

	return doc
}

// Decode rehydrates an event written by Encode. Transitions made on the
// returned event are persisted to store.
func Decode(doc bson.D, store Store, opts ...Option) (*Event, error) {
	id, _, err := model.Extract[string](doc, fieldEventID)
	if err != nil {
		return nil, err
	}
	chunkID, _, err := model.Extract[string](doc, fieldChunkID)
	if err != nil {
		return nil, err
	}

	rawType, _, err := model.Extract[int64](doc, fieldType)
	if err != nil {
		return nil, err
	}
	balanceType := model.BalanceType(rawType)
	if !balanceType.IsValid() {
		return nil, &model.FieldError{Field: fieldType.Name, Err: model.ErrBadValue, Detail: fmt.Sprint(rawType)}
	}

	payload, err := decodePayload(balanceType, doc)
	if err != nil {
		return nil, err
	}

	cur, err := decodeSnapshot(doc, fieldCurState, balanceType)
	if err != nil {
		return nil, err
	}
	prevState, err := decodeState(doc, fieldPrevState, balanceType)
	if err != nil {
		return nil, err
	}

	userCommand, _, err := model.Extract[bool](doc, fieldUserCommand)
	if err != nil {
		return nil, err
	}

	var rollback *snapshot
	slotDoc, present, err := model.Extract[bson.D](doc, fieldRollback)
	if err != nil {
		return nil, err
	}
	if present {
		slot, err := decodeSnapshot(slotDoc, fieldState, balanceType)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fieldRollback.Name, err)
		}
		rollback = &slot
	}

	e := &Event{
		id:          id,
		chunkID:     chunkID,
		payload:     payload,
		userCommand: userCommand,
		current:     cur,
		prevState:   prevState,
		rollback:    rollback,
		store:       store,
		retry:       DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

func decodeState(doc bson.D, f model.Field, t model.BalanceType) (State, error) {
	raw, _, err := model.Extract[int64](doc, f)
	if err != nil {
		return 0, err
	}

	s := State(raw)
	if !s.IsValid() || !onPath(t, s) {
		return 0, &model.FieldError{Field: f.Name, Err: model.ErrBadValue, Detail: fmt.Sprintf("state %d is not valid for %s", raw, t)}
	}

	return s, nil
}

func decodeSnapshot(doc bson.D, stateField model.Field, t model.BalanceType) (snapshot, error) {
	state, err := decodeState(doc, stateField, t)
	if err != nil {
		return snapshot{}, err
	}

	chunkDoc, _, err := model.Extract[bson.D](doc, fieldChunk)
	if err != nil {
		return snapshot{}, err
	}
	chunk, err := model.FromBSON(chunkDoc)
	if err != nil {
		return snapshot{}, fmt.Errorf("%s: %w", fieldChunk.Name, err)
	}

	s := snapshot{state: state, chunk: chunk}

	newChunkDoc, present, err := model.Extract[bson.D](doc, fieldNewChunk)
	if err != nil {
		return snapshot{}, err
	}
	if present {
		nc, err := model.FromBSON(newChunkDoc)
		if err != nil {
			return snapshot{}, fmt.Errorf("%s: %w", fieldNewChunk.Name, err)
		}
		s.newChunk = &nc
	}

	dropped, _, err := model.Extract[bson.A](doc, fieldDropped)
	if err != nil {
		return snapshot{}, err
	}
	for i, raw := range dropped {
		d, ok := raw.(bson.D)
		if !ok {
			return snapshot{}, &model.FieldError{Field: fieldDropped.Name, Err: model.ErrTypeMismatch, Detail: fmt.Sprintf("element %d is not an object", i)}
		}
		c, err := model.FromBSON(d)
		if err != nil {
			return snapshot{}, fmt.Errorf("%s.%d: %w", fieldDropped.Name, i, err)
		}
		s.dropped = append(s.dropped, c)
	}

	return s, nil
}

// Marshal encodes the event document to BSON bytes.
func (e *Event) Marshal() ([]byte, error) {
	b, err := bson.Marshal(e.Encode())
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.id, err)
	}

	return b, nil
}

// Unmarshal decodes BSON bytes written by Marshal.
func Unmarshal(b []byte, store Store, opts ...Option) (*Event, error) {
	var doc bson.D
	if err := bson.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	return Decode(doc, store, opts...)
}
