package commitments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/ethereum/go-ethereum/common"
)

// SubmitResult classifies the outcome of a commitment submission
type SubmitResult int

const (
	SubmitSuccess SubmitResult = iota
	// SubmitRetryable: transient failure, worth resubmitting after backoff
	SubmitRetryable
	// SubmitFatal: resubmitting the same commitment can never succeed
	SubmitFatal
)

// Submitter sends commitment transactions to L1
type Submitter interface {
	SubmitCommitment(ctx context.Context, subnetHeight uint64, blockHash, stateRoot common.Hash) (common.Hash, error)
}

// LocalChain is the slice of the chainstate store the coordinator reads
type LocalChain interface {
	GetBlock(height uint64) (*types.SubnetBlock, error)
	Head() (*types.SubnetBlock, error)
}

// RebuildRequest tells the node its local chain diverged from the winning
// commitment at Height: every local block from Height on must be discarded
// and the winning block adopted.
type RebuildRequest struct {
	Height          uint64
	WinningHash     common.Hash
	WinningRoot     common.Hash
	CommitmentL1Tx  common.Hash
	CommitmentL1Num uint64
}

// Coordinator drives the anchoring lifecycle of every subnet height:
// submit a commitment, watch L1 for it (and for competing commitments),
// count confirmations and finalize peg events once a commitment is deep
// enough. All methods are called from the node's single event loop.
type Coordinator struct {
	cfg     Config
	storage *Storage
	ledger  *pegledger.Ledger
	submit  Submitter
	chain   LocalChain
	log     *log.Logger

	// anchoring backoff state, reset on every successful submission
	retryCount  int
	nextRetryAt time.Time
	degraded    bool
	// heights whose in-flight commitment was retracted by a reorg and
	// needs resubmission
	pendingResubmit map[uint64]bool
}

func NewCoordinator(cfg Config, storage *Storage, ledger *pegledger.Ledger, submit Submitter, chain LocalChain) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:             cfg,
		storage:         storage,
		ledger:          ledger,
		submit:          submit,
		chain:           chain,
		log:             log.WithFields("module", "commitments"),
		pendingResubmit: make(map[uint64]bool),
	}, nil
}

// Degraded reports whether anchoring gave up after repeated submission
// failures. Block production keeps going; only anchoring is stopped.
func (c *Coordinator) Degraded() bool {
	return c.degraded
}

// MaybeSubmit submits the commitment for the lowest unanchored height, or
// resubmits one retracted by a reorg. At most one commitment is in flight
// at a time. Failures back off exponentially; once MaxSubmitRetries is
// exhausted the coordinator degrades instead of halting the node.
func (c *Coordinator) MaybeSubmit(ctx context.Context) error {
	if c.degraded || time.Now().Before(c.nextRetryAt) {
		return nil
	}

	height, blockHash, stateRoot, err := c.nextToSubmit()
	if err != nil || height == 0 {
		return err
	}

	l1TxHash, err := c.submit.SubmitCommitment(ctx, height, blockHash, stateRoot)
	if err != nil {
		switch classifySubmitErr(err) {
		case SubmitFatal:
			c.degraded = true
			c.log.Errorf("commitment submission for height %d failed fatally, anchoring disabled: %v", height, err)
			return nil
		default:
			c.retryCount++
			if c.retryCount > c.cfg.MaxSubmitRetries {
				c.degraded = true
				c.log.Errorf("commitment submission for height %d failed %d times, anchoring disabled: %v",
					height, c.retryCount, err)
				return nil
			}
			backoff := c.cfg.RetryBackoff.Duration * (1 << (c.retryCount - 1))
			c.nextRetryAt = time.Now().Add(backoff)
			c.log.Warnf("commitment submission for height %d failed (attempt %d), retrying in %s: %v",
				height, c.retryCount, backoff, err)
			return nil
		}
	}

	c.retryCount = 0
	c.nextRetryAt = time.Time{}
	delete(c.pendingResubmit, height)
	c.log.Infof("submitted commitment for height %d (block %s) in L1 tx %s", height, blockHash, l1TxHash)
	return c.storage.Save(nil, &Commitment{
		SubnetHeight:    height,
		SubnetBlockHash: blockHash,
		StateRoot:       stateRoot,
		Status:          StatusSubmitted,
		L1TxHash:        l1TxHash,
		Ours:            true,
	})
}

// classifySubmitErr decides whether a failed submission is worth retrying.
// Everything transient (RPC hiccups, nonce races, ctx timeouts) is
// retryable; only a missing anchoring key can never be fixed by retrying.
func classifySubmitErr(err error) SubmitResult {
	if errors.Is(err, l1client.ErrNoAnchoringKey) {
		return SubmitFatal
	}
	return SubmitRetryable
}

// nextToSubmit picks the height to anchor: a reorg-retracted height first,
// otherwise the next height above the last committed one, as long as no
// commitment is currently in flight. Returns height 0 when there is nothing
// to do.
func (c *Coordinator) nextToSubmit() (uint64, common.Hash, common.Hash, error) {
	unconfirmed, err := c.storage.Unconfirmed(nil)
	if err != nil {
		return 0, common.Hash{}, common.Hash{}, err
	}
	for _, u := range unconfirmed {
		if c.pendingResubmit[u.SubnetHeight] {
			return u.SubnetHeight, u.SubnetBlockHash, u.StateRoot, nil
		}
	}
	if len(unconfirmed) > 0 {
		// one in flight already
		return 0, common.Hash{}, common.Hash{}, nil
	}

	last, err := c.storage.LastCommittedHeight(nil)
	if err != nil {
		return 0, common.Hash{}, common.Hash{}, err
	}
	head, err := c.chain.Head()
	if err != nil {
		return 0, common.Hash{}, common.Hash{}, err
	}
	next := last + 1
	if next > head.Height {
		return 0, common.Hash{}, common.Hash{}, nil
	}
	block, err := c.chain.GetBlock(next)
	if err != nil {
		return 0, common.Hash{}, common.Hash{}, err
	}
	return next, block.Hash, block.StateRoot, nil
}

// OnL1Block processes the commitment events found in a new L1 block and
// advances confirmation counting. If a competing commitment won a height the
// local chain built differently, a RebuildRequest for the lowest divergent
// height is returned and the caller must adopt the winning block.
func (c *Coordinator) OnL1Block(ctx context.Context, l1BlockNum uint64, events []l1client.CommitmentEvent) (*RebuildRequest, error) {
	var rebuild *RebuildRequest

	for _, group := range groupByHeight(events) {
		winner := pickWinner(group)
		height := winner.SubnetHeight

		existing, err := c.storage.GetByHeight(nil, height)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if existing != nil && existing.Status != StatusOrphaned && existing.L1BlockNum > 0 {
			// a commitment from an earlier L1 block already holds this
			// height, later competitors lose
			continue
		}

		ours := existing != nil && existing.Ours &&
			existing.SubnetBlockHash == winner.SubnetBlockHash &&
			existing.L1TxHash == winner.TxHash
		rec := &Commitment{
			SubnetHeight:    height,
			SubnetBlockHash: winner.SubnetBlockHash,
			StateRoot:       winner.StateRoot,
			Status:          StatusSubmitted,
			L1TxHash:        winner.TxHash,
			L1BlockNum:      l1BlockNum,
			Ours:            ours,
		}
		if err := c.storage.Save(nil, rec); err != nil {
			return nil, err
		}
		delete(c.pendingResubmit, height)
		if !ours {
			c.log.Infof("commitment for height %d won by external tx %s (block %s)",
				height, winner.TxHash, winner.SubnetBlockHash)
		}

		diverged, err := c.localDiverges(height, winner.SubnetBlockHash)
		if err != nil {
			return nil, err
		}
		if diverged && (rebuild == nil || height < rebuild.Height) {
			rebuild = &RebuildRequest{
				Height:          height,
				WinningHash:     winner.SubnetBlockHash,
				WinningRoot:     winner.StateRoot,
				CommitmentL1Tx:  winner.TxHash,
				CommitmentL1Num: l1BlockNum,
			}
		}
	}

	if err := c.confirm(ctx, l1BlockNum); err != nil {
		return nil, err
	}
	return rebuild, nil
}

// localDiverges reports whether the local block at height differs from the
// winning commitment. A height the local chain has not reached yet counts
// as divergence: the block must be fetched and adopted.
func (c *Coordinator) localDiverges(height uint64, winningHash common.Hash) (bool, error) {
	local, err := c.chain.GetBlock(height)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return local.Hash != winningHash, nil
}

// confirm finalizes every commitment that reached the required depth. The
// status change and the peg event finalization commit in one transaction.
func (c *Coordinator) confirm(ctx context.Context, currentL1Block uint64) error {
	unconfirmed, err := c.storage.Unconfirmed(nil)
	if err != nil {
		return err
	}
	for _, u := range unconfirmed {
		if u.L1BlockNum == 0 || currentL1Block < u.L1BlockNum {
			continue
		}
		if currentL1Block-u.L1BlockNum+1 < c.cfg.RequiredConfirmations {
			continue
		}
		// finalization waits until the local chain carries the committed
		// block; confirming a height the node has not adopted yet would
		// finalize peg events a later rollback cannot retract
		local, err := c.chain.GetBlock(u.SubnetHeight)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			return err
		}
		if local.Hash != u.SubnetBlockHash {
			continue
		}
		tx, err := db.NewTx(ctx, c.storage.DB())
		if err != nil {
			return err
		}
		if err := c.storage.UpdateStatus(tx, u.SubnetHeight, StatusConfirmed); err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				c.log.Errorf("error while rolling back tx %v", errRllbck)
			}
			return err
		}
		if err := c.ledger.MarkFinalizedForHeight(tx, u.SubnetHeight); err != nil {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				c.log.Errorf("error while rolling back tx %v", errRllbck)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		c.log.Infof("commitment for height %d confirmed at L1 depth %d, peg events finalized",
			u.SubnetHeight, currentL1Block-u.L1BlockNum+1)
	}
	return nil
}

// OnReorg handles an L1 reorg retracting commitment inclusions. Submitted
// commitments go back to in-flight and are resubmitted; a retracted
// confirmed commitment is unrecoverable because peg events were already
// finalized on its back.
func (c *Coordinator) OnReorg(ctx context.Context, firstReorgedL1Block uint64) error {
	reorged, err := c.storage.ReorgedFrom(nil, firstReorgedL1Block)
	if err != nil {
		return err
	}
	for _, r := range reorged {
		if r.Status == StatusConfirmed {
			return fmt.Errorf("%w: height %d was confirmed in L1 block %d",
				ErrFinalizedReorged, r.SubnetHeight, r.L1BlockNum)
		}
		if r.Ours {
			r.L1BlockNum = 0
			if err := c.storage.Save(nil, r); err != nil {
				return err
			}
			c.pendingResubmit[r.SubnetHeight] = true
		} else {
			// the external winner is gone from L1; orphan its record so
			// the height opens up for our own submission again
			if err := c.storage.UpdateStatus(nil, r.SubnetHeight, StatusOrphaned); err != nil {
				return err
			}
		}
		c.log.Warnf("commitment for height %d retracted by L1 reorg from block %d",
			r.SubnetHeight, firstReorgedL1Block)
	}
	return nil
}

func groupByHeight(events []l1client.CommitmentEvent) [][]l1client.CommitmentEvent {
	byHeight := make(map[uint64][]l1client.CommitmentEvent)
	heights := make([]uint64, 0)
	for _, ev := range events {
		if _, ok := byHeight[ev.SubnetHeight]; !ok {
			heights = append(heights, ev.SubnetHeight)
		}
		byHeight[ev.SubnetHeight] = append(byHeight[ev.SubnetHeight], ev)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	groups := make([][]l1client.CommitmentEvent, 0, len(heights))
	for _, h := range heights {
		groups = append(groups, byHeight[h])
	}
	return groups
}

// pickWinner resolves competing commitments for the same height within one
// L1 block: the lexicographically smallest subnet block hash wins, so every
// node resolves the tie the same way.
func pickWinner(group []l1client.CommitmentEvent) l1client.CommitmentEvent {
	winner := group[0]
	for _, ev := range group[1:] {
		if bytes.Compare(ev.SubnetBlockHash.Bytes(), winner.SubnetBlockHash.Bytes()) < 0 {
			winner = ev
		}
	}
	return winner
}
