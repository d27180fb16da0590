package pegledger

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrDuplicateNonce means an event with the same origin and nonce was
	// already recorded
	ErrDuplicateNonce = errors.New("peg event with this nonce already recorded")
	// ErrNotFound means no event exists for the requested origin and nonce
	ErrNotFound = errors.New("peg event not found")
	// ErrInvalidTransition means the requested status change is not allowed
	// from the event's current status
	ErrInvalidTransition = errors.New("invalid peg event status transition")
	// ErrCannotRetractFinalized means an L1 reorg tried to retract a deposit
	// that was already finalized. The ledger cannot recover from this on its
	// own, the operator has to intervene.
	ErrCannotRetractFinalized = errors.New("cannot retract a finalized peg event")
)

// Origin tells which chain an event entered the system from
type Origin string

const (
	// OriginL1 is a deposit: value moving from L1 into the subnet
	OriginL1 = Origin("l1")
	// OriginSubnet is a withdrawal: value moving from the subnet to L1
	OriginSubnet = Origin("subnet")
)

// Status is the lifecycle stage of a peg event
type Status string

const (
	// StatusObserved: recorded but not yet reflected in a subnet block
	StatusObserved = Status("observed")
	// StatusApplied: included in a subnet block that is not yet anchored
	// deep enough in L1
	StatusApplied = Status("applied")
	// StatusFinalized: the containing subnet block's commitment has the
	// required L1 confirmations
	StatusFinalized = Status("finalized")
)

// Event is one peg ledger entry. Deposits are keyed by the nonce assigned by
// the L1 contract; withdrawals by the nonce assigned by the subnet VM. The
// pair (origin, nonce) is unique.
type Event struct {
	Origin    Origin         `meddler:"origin"`
	Nonce     uint64         `meddler:"nonce"`
	Recipient common.Address `meddler:"recipient,address"`
	Amount    *big.Int       `meddler:"amount,bigint"`
	Status    Status         `meddler:"status"`
	// L1Height/L1TxHash locate the deposit on L1; zero for withdrawals
	L1Height uint64      `meddler:"l1_height"`
	L1TxHash common.Hash `meddler:"l1_tx_hash,hash"`
	// SubnetHeight is the subnet block the event was applied in; 0 while
	// the event is only observed
	SubnetHeight uint64 `meddler:"subnet_height"`
	// LeafIndex is the position of a withdrawal in the withdrawal tree;
	// only meaningful for OriginSubnet events
	LeafIndex uint32 `meddler:"leaf_index"`
}
