package commitments

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound = errors.New("commitment not found")
	// ErrFinalizedReorged means an L1 reorg retracted a commitment that
	// already finalized peg events. The node cannot repair this on its own.
	ErrFinalizedReorged = errors.New("reorg retracted a confirmed commitment")
)

// Status is the anchoring lifecycle stage of a subnet height. A height with
// no commitment row has no anchoring activity yet.
type Status string

const (
	// StatusSubmitted: a commitment exists for the height but does not yet
	// have the required L1 confirmations. L1BlockNum is 0 until the
	// commitment transaction is seen in an L1 block.
	StatusSubmitted = Status("submitted")
	// StatusConfirmed: the commitment gathered the required confirmations;
	// the peg events of this and all lower heights are finalized
	StatusConfirmed = Status("confirmed")
	// StatusOrphaned: the commitment lost to a competing one or was
	// retracted by an L1 reorg and superseded
	StatusOrphaned = Status("orphaned")
)

// Commitment is the anchoring record for one subnet height. It always holds
// the currently winning commitment for the height; Ours tells whether that
// winner is the one this node submitted.
type Commitment struct {
	SubnetHeight    uint64      `meddler:"subnet_height"`
	SubnetBlockHash common.Hash `meddler:"subnet_block_hash,hash"`
	StateRoot       common.Hash `meddler:"state_root,hash"`
	Status          Status      `meddler:"status"`
	L1TxHash        common.Hash `meddler:"l1_tx_hash,hash"`
	L1BlockNum      uint64      `meddler:"l1_block_num"`
	Ours            bool        `meddler:"ours"`
}
