package vm

import (
	"context"
	"math/big"
	"sync"

	"github.com/PinkDiamond1/stacks-subnets/types"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/keccak256"
)

// EmptyStateRoot is the root of the empty account state, keccak256 of the
// empty string.
var EmptyStateRoot = ethCommon.HexToHash("0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470")

// accountState is an immutable balance snapshot. withdrawalCount numbers
// subnet-originated withdrawals, so nonces stay unique across the chain.
type accountState struct {
	balances        map[ethCommon.Address]*big.Int
	withdrawalCount uint64
}

func (s *accountState) clone() *accountState {
	balances := make(map[ethCommon.Address]*big.Int, len(s.balances))
	for addr, b := range s.balances {
		balances[addr] = new(big.Int).Set(b)
	}
	return &accountState{balances: balances, withdrawalCount: s.withdrawalCount}
}

func (s *accountState) balance(addr ethCommon.Address) *big.Int {
	if b, ok := s.balances[addr]; ok {
		return b
	}
	return big.NewInt(0)
}

// AccountVM is a minimal deterministic executor keeping account balances
// in memory, content-addressed by state root. Mints credit the recipient,
// transfers move funds, and a transfer to the zero address burns the funds
// and emits a withdrawal event. Snapshots for every produced root are kept
// so builds on top of older roots (after a rollback) still resolve.
type AccountVM struct {
	mu     sync.Mutex
	states map[ethCommon.Hash]*accountState
}

func NewAccountVM() *AccountVM {
	return &AccountVM{
		states: map[ethCommon.Hash]*accountState{
			EmptyStateRoot: {balances: make(map[ethCommon.Address]*big.Int)},
		},
	}
}

// Execute applies tx on top of stateRoot. The new root commits to the
// parent root and the transaction hash, so identical inputs always produce
// identical roots.
func (a *AccountVM) Execute(
	ctx context.Context, stateRoot ethCommon.Hash, tx *types.Transaction,
) (ethCommon.Hash, []Event, error) {
	if err := ctx.Err(); err != nil {
		return ethCommon.Hash{}, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	parent, ok := a.states[stateRoot]
	if !ok {
		return ethCommon.Hash{}, nil, &ExecutionError{
			TxHash: tx.Hash(),
			Reason: "unknown state root " + stateRoot.String(),
		}
	}
	next := parent.clone()

	var events []Event
	if tx.Mint {
		recipient := next.balance(tx.To)
		next.balances[tx.To] = new(big.Int).Add(recipient, tx.Amount)
	} else {
		cost := new(big.Int).Add(tx.Amount, new(big.Int).SetUint64(tx.Fee))
		from := next.balance(tx.From)
		if from.Cmp(cost) < 0 {
			return ethCommon.Hash{}, nil, &ExecutionError{
				TxHash: tx.Hash(),
				Reason: "insufficient balance",
			}
		}
		next.balances[tx.From] = new(big.Int).Sub(from, cost)
		if tx.To == (ethCommon.Address{}) {
			// Burn: the amount leaves the subnet through the peg. The
			// payload may carry the L1 recipient, defaulting to the sender.
			recipient := tx.From
			if len(tx.Payload) == ethCommon.AddressLength {
				recipient = ethCommon.BytesToAddress(tx.Payload)
			}
			nonce := next.withdrawalCount
			next.withdrawalCount++
			events = append(events, Event{Withdrawal: &WithdrawalEvent{
				Recipient: recipient,
				Amount:    new(big.Int).Set(tx.Amount),
				Nonce:     nonce,
			}})
		} else {
			to := next.balance(tx.To)
			next.balances[tx.To] = new(big.Int).Add(to, tx.Amount)
		}
	}

	newRoot := ethCommon.BytesToHash(keccak256.Hash(stateRoot.Bytes(), tx.Hash().Bytes()))
	a.states[newRoot] = next
	return newRoot, events, nil
}

// Balance returns the balance of addr at the given state root.
func (a *AccountVM) Balance(stateRoot ethCommon.Hash, addr ethCommon.Address) (*big.Int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.states[stateRoot]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(state.balance(addr)), true
}
