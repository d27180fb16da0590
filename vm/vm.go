package vm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/ethereum/go-ethereum/common"
)

// Executor is the embedded contract VM consumed by the block builder. It is
// deterministic: identical (stateRoot, tx) inputs always yield identical
// outputs.
type Executor interface {
	// Execute applies tx on top of stateRoot and returns the resulting
	// state root plus the events emitted by contract execution. On error
	// no state change happened.
	Execute(ctx context.Context, stateRoot common.Hash, tx *types.Transaction) (common.Hash, []Event, error)
}

// Event is emitted by contract execution. Only withdrawal events are
// relevant to the peg engine.
type Event struct {
	Withdrawal *WithdrawalEvent
}

// WithdrawalEvent signals that execution burned subnet funds to be redeemed
// on L1. The nonce is unique among subnet-originated peg events.
type WithdrawalEvent struct {
	Recipient common.Address
	Amount    *big.Int
	Nonce     uint64
}

// ExecutionError is returned by the VM when a transaction fails. The failed
// transaction is excluded from the block but the build continues.
type ExecutionError struct {
	TxHash common.Hash
	Reason string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of tx %s failed: %s", e.TxHash, e.Reason)
}
