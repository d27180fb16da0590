package node

import (
	"context"
	"errors"
	"time"

	"github.com/PinkDiamond1/stacks-subnets/blockbuilder"
	"github.com/PinkDiamond1/stacks-subnets/chainstate"
	"github.com/PinkDiamond1/stacks-subnets/commitments"
	"github.com/PinkDiamond1/stacks-subnets/l1observer"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/mempool"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	syncmod "github.com/PinkDiamond1/stacks-subnets/sync"
	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/PinkDiamond1/stacks-subnets/vm"
	"github.com/ethereum/go-ethereum/common"
)

// FetchedBlock is a winning subnet block retrieved from a peer, with the
// peg side effects the store needs to append it
type FetchedBlock struct {
	Block           *types.SubnetBlock
	AppliedDeposits []*pegledger.Event
	Withdrawals     []vm.WithdrawalEvent
}

// BlockFetcher retrieves a subnet block by hash from the subnet network.
// The node needs it when a competing commitment wins a height with a block
// this node did not build.
type BlockFetcher interface {
	FetchBlock(ctx context.Context, hash common.Hash) (*FetchedBlock, error)
}

type buildOutcome struct {
	result *blockbuilder.Result
	err    error
}

// Node is the single event loop gluing the engine together: it consumes
// L1 chain events, produces subnet blocks on a timer and drives the
// commitment coordinator. Block building runs in a goroutine so an L1
// reorg arriving mid-build can cancel it; everything else is sequential.
type Node struct {
	cfg         Config
	observer    *l1observer.Observer
	coordinator *commitments.Coordinator
	builder     *blockbuilder.Builder
	store       *chainstate.Store
	pool        *mempool.Mempool
	fetcher     BlockFetcher
	log         *log.Logger

	building    bool
	buildCancel context.CancelFunc
	buildResult chan buildOutcome
}

func New(
	cfg Config,
	observer *l1observer.Observer,
	coordinator *commitments.Coordinator,
	builder *blockbuilder.Builder,
	store *chainstate.Store,
	pool *mempool.Mempool,
	fetcher BlockFetcher,
) *Node {
	return &Node{
		cfg:         cfg,
		observer:    observer,
		coordinator: coordinator,
		builder:     builder,
		store:       store,
		pool:        pool,
		fetcher:     fetcher,
		log:         log.WithFields("module", "node"),
		buildResult: make(chan buildOutcome, 1),
	}
}

// Start runs the node loop until ctx is done. The chainstate must have its
// genesis initialized before calling it.
func (n *Node) Start(ctx context.Context) error {
	if err := n.store.InitGenesis(n.cfg.GenesisStateRoot, n.cfg.GenesisTimestamp); err != nil {
		return err
	}

	ticker := time.NewTicker(n.cfg.BlockInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.cancelBuild()
			return nil
		case ev := <-n.observer.Events():
			var err error
			if ev.Reorg != nil {
				err = n.handleReorg(ctx, ev.Reorg)
			} else {
				err = n.handleL1Block(ctx, ev.NewBlock)
			}
			if err != nil {
				return err
			}
		case <-ticker.C:
			n.startBuild(ctx)
		case out := <-n.buildResult:
			if err := n.finishBuild(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (n *Node) startBuild(ctx context.Context) {
	if n.building {
		return
	}
	head, err := n.store.Head()
	if err != nil {
		n.log.Errorf("error reading head before build: %v", err)
		return
	}
	buildCtx, cancel := context.WithCancel(ctx)
	n.building = true
	n.buildCancel = cancel
	go func() {
		result, err := n.builder.BuildBlock(buildCtx, head)
		n.buildResult <- buildOutcome{result: result, err: err}
	}()
}

func (n *Node) finishBuild(ctx context.Context, out buildOutcome) error {
	n.building = false
	n.buildCancel = nil
	if out.err != nil {
		switch {
		case errors.Is(out.err, context.Canceled):
			n.log.Debug("block build aborted")
		case errors.Is(out.err, blockbuilder.ErrNoTransactions):
			n.log.Debug("nothing to include, skipping block")
		case errors.Is(out.err, blockbuilder.ErrEmptyParentState):
			return out.err
		default:
			n.log.Errorf("block build failed: %v", out.err)
		}
		return nil
	}

	res := out.result
	err := n.store.Append(ctx, res.Block, res.AppliedDeposits, res.Withdrawals, res.Rejected)
	if err != nil {
		if errors.Is(err, chainstate.ErrParentMismatch) {
			// the chain moved under the build (reorg or adoption),
			// discard and build again on the new head
			n.log.Warnf("discarding built block %d: %v", res.Block.Height, err)
			return nil
		}
		return err
	}
	n.pool.RemoveIncluded(res.Txs)
	return n.coordinator.MaybeSubmit(ctx)
}

func (n *Node) cancelBuild() {
	if n.buildCancel != nil {
		n.buildCancel()
	}
}

func (n *Node) handleL1Block(ctx context.Context, b *syncmod.Block) error {
	rebuild, err := n.coordinator.OnL1Block(ctx, b.Num, b.Commitments)
	if err != nil {
		return err
	}
	if rebuild != nil {
		if err := n.adopt(ctx, rebuild); err != nil {
			return err
		}
	}
	return n.coordinator.MaybeSubmit(ctx)
}

// adopt discards the local chain from the divergent height on and installs
// the block the winning commitment anchors
func (n *Node) adopt(ctx context.Context, req *commitments.RebuildRequest) error {
	n.cancelBuild()
	n.log.Warnf("adopting winning block %s at height %d (commitment in L1 block %d)",
		req.WinningHash, req.Height, req.CommitmentL1Num)

	head, err := n.store.Head()
	if err != nil {
		return err
	}
	if head.Height >= req.Height {
		if err := n.store.RollbackTo(ctx, req.Height-1); err != nil {
			return err
		}
	}
	if n.fetcher == nil {
		n.log.Errorf("no block fetcher configured, cannot adopt block %s at height %d; waiting",
			req.WinningHash, req.Height)
		return nil
	}
	fetched, err := n.fetcher.FetchBlock(ctx, req.WinningHash)
	if err != nil {
		n.log.Errorf("error fetching winning block %s: %v", req.WinningHash, err)
		return nil
	}
	return n.store.Append(ctx, fetched.Block, fetched.AppliedDeposits, fetched.Withdrawals, nil)
}

func (n *Node) handleReorg(ctx context.Context, ev *l1observer.ReorgEvent) error {
	n.cancelBuild()
	if err := n.coordinator.OnReorg(ctx, ev.FirstReorged); err != nil {
		if errors.Is(err, commitments.ErrFinalizedReorged) {
			// finalized peg events cannot be unwound
			log.Fatalf("node: %v", err)
		}
		return err
	}
	if ev.FirstOrphanedSubnetHeight > 0 {
		if err := n.store.RollbackTo(ctx, ev.FirstOrphanedSubnetHeight-1); err != nil {
			return err
		}
	}
	return nil
}
