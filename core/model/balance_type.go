package model

import "fmt"

// BalanceType discriminates balance commands and the rebalance events that execute them.
type BalanceType int32

const (
	BalanceTypeMove BalanceType = iota
	BalanceTypeRebalance
	BalanceTypeOffload
	BalanceTypeAssign
	BalanceTypeSplit
	BalanceTypeRename
	balanceTypeInvalid
)

func (t BalanceType) IsValid() bool {
	return t >= BalanceTypeMove && t < balanceTypeInvalid
}

func (t BalanceType) String() string {
	switch t {
	case BalanceTypeMove:
		return "move"
	case BalanceTypeRebalance:
		return "rebalance"
	case BalanceTypeOffload:
		return "offload"
	case BalanceTypeAssign:
		return "assign"
	case BalanceTypeSplit:
		return "split"
	case BalanceTypeRename:
		return "rename"
	default:
		return fmt.Sprintf("BalanceType(%d)", int32(t))
	}
}
