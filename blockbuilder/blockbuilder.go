package blockbuilder

import (
	"context"
	"errors"
	"fmt"

	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/PinkDiamond1/stacks-subnets/vm"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrEmptyParentState means the parent block carries no state root. The
	// store is corrupt or the genesis was never initialized; building on
	// top of it would commit to garbage.
	ErrEmptyParentState = errors.New("parent block has empty state root")
	// ErrNoTransactions means there was nothing to include: no pending
	// deposits and no mempool transactions
	ErrNoTransactions = errors.New("no transactions to include")
)

// TxPool is the slice of the mempool the builder reads from
type TxPool interface {
	Snapshot(maxBytes uint64) []*types.Transaction
}

// DepositSource lists the deposits waiting to be minted
type DepositSource interface {
	PendingDeposits() ([]*pegledger.Event, error)
}

// Result is everything a finished build produced. The caller decides what
// to do with it; the builder itself never writes to the store.
type Result struct {
	Block *types.SubnetBlock
	Txs   []*types.Transaction
	// AppliedDeposits are the ledger events minted in this block
	AppliedDeposits []*pegledger.Event
	// Withdrawals are the burn events the VM emitted, in execution order
	Withdrawals []vm.WithdrawalEvent
	// Rejected are the transactions that failed execution and were left out
	Rejected []types.RejectedTx
}

// Builder assembles subnet blocks: mints for every pending deposit first, in
// ledger order, then user transactions from a mempool snapshot.
type Builder struct {
	cfg      Config
	executor vm.Executor
	pool     TxPool
	deposits DepositSource
	log      *log.Logger
}

func New(cfg Config, executor vm.Executor, pool TxPool, deposits DepositSource) *Builder {
	return &Builder{
		cfg:      cfg,
		executor: executor,
		pool:     pool,
		deposits: deposits,
		log:      log.WithFields("module", "blockbuilder"),
	}
}

// BuildBlock produces the next block on top of parent. Transactions that
// fail execution are recorded as rejected and the build continues. If the
// time budget expires the build is retried once with half the user
// transactions. ctx cancellation (e.g. on an L1 reorg) aborts the build.
func (b *Builder) BuildBlock(ctx context.Context, parent *types.SubnetBlock) (*Result, error) {
	if parent.StateRoot == (common.Hash{}) {
		return nil, ErrEmptyParentState
	}

	pending, err := b.deposits.PendingDeposits()
	if err != nil {
		return nil, fmt.Errorf("error listing pending deposits: %w", err)
	}
	mints := make([]*types.Transaction, 0, len(pending))
	var mintBytes uint64
	for _, e := range pending {
		mint := types.NewMintTransaction(e.Recipient, e.Amount, e.Nonce)
		mintBytes += mint.Size()
		mints = append(mints, mint)
	}

	userBudget := b.cfg.MaxBlockBytes - b.cfg.MintReservedBytes
	if mintBytes > b.cfg.MintReservedBytes {
		if mintBytes >= b.cfg.MaxBlockBytes {
			userBudget = 0
		} else {
			userBudget = b.cfg.MaxBlockBytes - mintBytes
		}
	}
	userTxs := b.pool.Snapshot(userBudget)
	if len(mints) == 0 && len(userTxs) == 0 {
		return nil, ErrNoTransactions
	}

	buildCtx, cancel := context.WithTimeout(ctx, b.cfg.BuildTimeout.Duration)
	defer cancel()
	result, err := b.execute(buildCtx, parent, pending, mints, userTxs)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// over budget: retry once with half the user transactions
		half := userTxs[:len(userTxs)/2]
		b.log.Warnf("block build at height %d exceeded time budget with %d user txs, retrying with %d",
			parent.Height+1, len(userTxs), len(half))
		retryCtx, retryCancel := context.WithTimeout(ctx, b.cfg.BuildTimeout.Duration)
		defer retryCancel()
		result, err = b.execute(retryCtx, parent, pending, mints, half)
	}
	return result, err
}

// timestampDelta is the configured block interval in whole seconds,
// never less than one so timestamps stay strictly increasing.
func (b *Builder) timestampDelta() uint64 {
	delta := uint64(b.cfg.BlockInterval.Seconds())
	if delta == 0 {
		delta = 1
	}
	return delta
}

func (b *Builder) execute(
	ctx context.Context,
	parent *types.SubnetBlock,
	pending []*pegledger.Event,
	mints, userTxs []*types.Transaction,
) (*Result, error) {
	height := parent.Height + 1
	stateRoot := parent.StateRoot
	res := &Result{AppliedDeposits: pending}

	for _, mint := range mints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newRoot, _, err := b.executor.Execute(ctx, stateRoot, mint)
		if err != nil {
			// mints are plain credits, a failure means the VM or the
			// state is broken
			return nil, fmt.Errorf("error executing mint for deposit nonce %d: %w", mint.DepositNonce, err)
		}
		stateRoot = newRoot
		res.Txs = append(res.Txs, mint)
	}

	for _, tx := range userTxs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		newRoot, events, err := b.executor.Execute(ctx, stateRoot, tx)
		if err != nil {
			execErr := &vm.ExecutionError{}
			if errors.As(err, &execErr) {
				res.Rejected = append(res.Rejected, types.RejectedTx{
					TxHash: tx.Hash(),
					Height: height,
					Reason: execErr.Reason,
				})
				continue
			}
			return nil, err
		}
		stateRoot = newRoot
		res.Txs = append(res.Txs, tx)
		for _, ev := range events {
			if ev.Withdrawal != nil {
				res.Withdrawals = append(res.Withdrawals, *ev.Withdrawal)
			}
		}
	}

	txHashes := make([]common.Hash, 0, len(res.Txs))
	for _, tx := range res.Txs {
		txHashes = append(txHashes, tx.Hash())
	}
	block := &types.SubnetBlock{
		Height:     height,
		ParentHash: parent.Hash,
		StateRoot:  stateRoot,
		Timestamp:  parent.Timestamp + b.timestampDelta(),
		Miner:      b.cfg.MinerAddress,
		TxHashes:   txHashes,
	}
	block.Hash = block.ComputeHash()
	res.Block = block

	b.log.Infof("built block %d with %d txs (%d mints, %d rejected)",
		height, len(res.Txs), len(mints), len(res.Rejected))
	return res, nil
}
