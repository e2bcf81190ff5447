package event

import (
	"fmt"

	"github.com/pyropy/chunkbalancer/core/model"
)

// State is a step of a rebalance event. Every balance type walks a fixed path
// from StateStartOffload to StateAssigned.
type State int32

const (
	StateStartOffload State = iota
	StateOffloadCommitted
	StateDataCopied
	StateOwnershipReassigned
	StateSplitCommitted
	StateTargetCreated
	StateSourceDropped
	StateStartAssign
	// StateAssigned is terminal for every balance type.
	StateAssigned
	stateInvalid
)

const (
	initialState = StateStartOffload
	finalState   = StateAssigned
)

func (s State) IsValid() bool {
	return s >= StateStartOffload && s < stateInvalid
}

func (s State) String() string {
	switch s {
	case StateStartOffload:
		return "StartOffload"
	case StateOffloadCommitted:
		return "OffloadCommitted"
	case StateDataCopied:
		return "DataCopied"
	case StateOwnershipReassigned:
		return "OwnershipReassigned"
	case StateSplitCommitted:
		return "SplitCommitted"
	case StateTargetCreated:
		return "TargetCreated"
	case StateSourceDropped:
		return "SourceDropped"
	case StateStartAssign:
		return "StartAssign"
	case StateAssigned:
		return "Assigned"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var movePath = []State{
	StateStartOffload, StateOffloadCommitted, StateDataCopied, StateOwnershipReassigned, StateAssigned,
}

var paths = map[model.BalanceType][]State{
	model.BalanceTypeMove:      movePath,
	model.BalanceTypeRebalance: movePath,
	model.BalanceTypeOffload:   {StateStartOffload, StateOffloadCommitted, StateAssigned},
	model.BalanceTypeAssign:    {StateStartOffload, StateStartAssign, StateAssigned},
	model.BalanceTypeSplit: {
		StateStartOffload, StateOffloadCommitted, StateSplitCommitted, StateStartAssign, StateAssigned,
	},
	model.BalanceTypeRename: {
		StateStartOffload, StateOffloadCommitted, StateTargetCreated, StateSourceDropped, StateStartAssign, StateAssigned,
	},
}

type transitionKey struct {
	balanceType model.BalanceType
	from        State
}

// transitions maps (balance type, current state) to the only legal successor.
var transitions = buildTransitions()

func buildTransitions() map[transitionKey]State {
	table := make(map[transitionKey]State)
	for t, path := range paths {
		for i := 0; i < len(path)-1; i++ {
			table[transitionKey{balanceType: t, from: path[i]}] = path[i+1]
		}
	}

	return table
}

// Next returns the successor of from for balance type t. The terminal state has none.
func Next(t model.BalanceType, from State) (State, bool) {
	next, ok := transitions[transitionKey{balanceType: t, from: from}]
	return next, ok
}

// Path returns the ordered states an event of balance type t walks through.
func Path(t model.BalanceType) []State {
	path := paths[t]
	out := make([]State, len(path))
	copy(out, path)

	return out
}

func onPath(t model.BalanceType, s State) bool {
	for _, p := range paths[t] {
		if p == s {
			return true
		}
	}

	return false
}
