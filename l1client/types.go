package l1client

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// L1Block is an observed L1 block together with the contract events the
// subnet engine cares about. Immutable once fetched; a competing block at
// the same height supersedes it during a reorg.
type L1Block struct {
	Num         uint64
	Hash        common.Hash
	ParentHash  common.Hash
	Timestamp   uint64
	Deposits    []DepositEvent
	Commitments []CommitmentEvent
}

// DepositEvent is a qualifying deposit found in an L1 block's event list.
// The nonce is unique among L1-originated peg events.
type DepositEvent struct {
	L1Height  uint64
	TxHash    common.Hash
	Recipient common.Address
	Amount    *big.Int
	Nonce     uint64
}

// CommitmentEvent is an anchor transaction asserting "subnet height h has
// block hash B with state root S", as found in an L1 block. TxIndex keeps
// the L1 transaction order so competing commitments can be resolved
// deterministically.
type CommitmentEvent struct {
	L1Height        uint64
	TxIndex         uint
	TxHash          common.Hash
	SubnetHeight    uint64
	SubnetBlockHash common.Hash
	StateRoot       common.Hash
}

// BlockNumberFinality is the status of the L1 blocks that will be queried
type BlockNumberFinality string

const (
	LatestBlock    = BlockNumberFinality("LatestBlock")
	SafeBlock      = BlockNumberFinality("SafeBlock")
	PendingBlock   = BlockNumberFinality("PendingBlock")
	FinalizedBlock = BlockNumberFinality("FinalizedBlock")
	EarliestBlock  = BlockNumberFinality("EarliestBlock")
)

// ToBlockNum returns the block number tag understood by the L1 RPC
func (b BlockNumberFinality) ToBlockNum() (*big.Int, error) {
	switch b {
	case LatestBlock:
		return big.NewInt(int64(rpc.LatestBlockNumber)), nil
	case SafeBlock:
		return big.NewInt(int64(rpc.SafeBlockNumber)), nil
	case PendingBlock:
		return big.NewInt(int64(rpc.PendingBlockNumber)), nil
	case FinalizedBlock:
		return big.NewInt(int64(rpc.FinalizedBlockNumber)), nil
	case EarliestBlock:
		return big.NewInt(int64(rpc.EarliestBlockNumber)), nil
	default:
		return nil, fmt.Errorf("invalid finality keyword: %s", string(b))
	}
}
