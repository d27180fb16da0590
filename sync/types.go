package sync

import (
	"context"

	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/reorgdetector"
	"github.com/ethereum/go-ethereum/common"
)

// Block is a downloaded L1 block to be handed to a processor. It carries the
// decoded subnet events so processors never talk to L1 themselves.
type Block struct {
	Num         uint64
	Hash        common.Hash
	ParentHash  common.Hash
	Timestamp   uint64
	Deposits    []l1client.DepositEvent
	Commitments []l1client.CommitmentEvent
}

// Processor consumes downloaded blocks and handles reorgs against its own
// persisted state.
type Processor interface {
	// GetLastProcessedBlock returns the highest L1 block already applied
	GetLastProcessedBlock(ctx context.Context) (uint64, error)
	// ProcessBlock applies the events in a single, fully-downloaded block
	ProcessBlock(ctx context.Context, block Block) error
	// Reorg discards all state derived from firstReorgedBlock onwards
	Reorg(ctx context.Context, firstReorgedBlock uint64) error
}

// ReorgDetector lets the driver subscribe to reorg notifications and report
// the blocks it has handed to its processor.
type ReorgDetector interface {
	Subscribe(id string) (*reorgdetector.Subscription, error)
	AddBlockToTrack(ctx context.Context, id string, blockNum uint64, blockHash common.Hash) error
}
