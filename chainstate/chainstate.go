package chainstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	dbCommon "github.com/PinkDiamond1/stacks-subnets/common"
	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/migrations"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/tree"
	treeTypes "github.com/PinkDiamond1/stacks-subnets/tree/types"
	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/PinkDiamond1/stacks-subnets/vm"
	"github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/keccak256"
	"github.com/russross/meddler"
)

var (
	// ErrNotFound aliases the db sentinel so callers can match either
	ErrNotFound = db.ErrNotFound
	// ErrParentMismatch means the appended block does not extend the
	// current head
	ErrParentMismatch = errors.New("block does not extend the current head")
	// ErrHeightNotFound means a rollback targeted a height above the head
	ErrHeightNotFound = errors.New("rollback height above current head")
)

// Store persists the subnet chain. It shares its sqlite file with the peg
// ledger and the withdrawal tree so a block append and the peg bookkeeping
// it implies commit in a single transaction.
type Store struct {
	db     *sql.DB
	tree   *tree.AppendOnlyTree
	ledger *pegledger.Ledger
	log    *log.Logger
}

func NewStore(dbPath string, ledger *pegledger.Ledger) (*Store, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:     database,
		tree:   tree.NewAppendOnlyTree(database, ""),
		ledger: ledger,
		log:    log.WithFields("module", "chainstate"),
	}, nil
}

// InitGenesis writes the block at height 0 if the store is empty. Calling it
// on a non-empty store is a no-op.
func (s *Store) InitGenesis(stateRoot common.Hash, timestamp uint64) error {
	_, err := s.Head()
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	genesis := types.NewGenesisBlock(stateRoot, timestamp)
	if err := meddler.Insert(s.db, "subnet_block", genesis); err != nil {
		return err
	}
	s.log.Infof("initialized genesis block %s with state root %s", genesis.Hash, stateRoot)
	return nil
}

// Head returns the highest block
func (s *Store) Head() (*types.SubnetBlock, error) {
	var b types.SubnetBlock
	err := meddler.QueryRow(s.db, &b, "SELECT * FROM subnet_block ORDER BY height DESC LIMIT 1;")
	return returnBlock(&b, err)
}

// GetBlock returns the block at the given height
func (s *Store) GetBlock(height uint64) (*types.SubnetBlock, error) {
	var b types.SubnetBlock
	err := meddler.QueryRow(s.db, &b, "SELECT * FROM subnet_block WHERE height = $1;", height)
	return returnBlock(&b, err)
}

// GetBlockByHash returns the block with the given hash
func (s *Store) GetBlockByHash(hash common.Hash) (*types.SubnetBlock, error) {
	var b types.SubnetBlock
	err := meddler.QueryRow(s.db, &b, "SELECT * FROM subnet_block WHERE hash = $1;", hash.Hex())
	return returnBlock(&b, err)
}

func returnBlock(b *types.SubnetBlock, err error) (*types.SubnetBlock, error) {
	if err != nil {
		return nil, db.ReturnErrNotFound(err)
	}
	return b, nil
}

// Append commits a built block and all its peg side effects atomically:
// the block row, rejected transactions, deposit status changes, withdrawal
// ledger entries and withdrawal tree leaves either all land or none do.
func (s *Store) Append(
	ctx context.Context,
	block *types.SubnetBlock,
	appliedDeposits []*pegledger.Event,
	withdrawals []vm.WithdrawalEvent,
	rejected []types.RejectedTx,
) error {
	head, err := s.Head()
	if err != nil {
		return err
	}
	if block.ParentHash != head.Hash || block.Height != head.Height+1 {
		return fmt.Errorf("%w: head %d (%s), got block %d with parent %s",
			ErrParentMismatch, head.Height, head.Hash, block.Height, block.ParentHash)
	}

	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	shouldRollback := true
	defer func() {
		if shouldRollback {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				s.log.Errorf("error while rolling back tx %v", errRllbck)
			}
		}
	}()

	if err := meddler.Insert(tx, "subnet_block", block); err != nil {
		return err
	}
	for i := range rejected {
		if err := meddler.Insert(tx, "rejected_tx", &rejected[i]); err != nil {
			return err
		}
	}
	for _, e := range appliedDeposits {
		if err := s.ledger.MarkApplied(tx, e.Origin, e.Nonce, block.Height); err != nil {
			return err
		}
	}
	for _, w := range withdrawals {
		lastRoot, err := s.tree.GetLastRoot(tx)
		nextIndex := uint32(0)
		if err != nil && !errors.Is(err, tree.ErrNotFound) {
			return err
		}
		if err == nil {
			nextIndex = lastRoot.Index + 1
		}
		if err := s.ledger.RecordWithdrawal(
			tx, w.Recipient, w.Amount, w.Nonce, block.Height, nextIndex,
		); err != nil {
			return err
		}
		leaf := treeTypes.Leaf{
			Index: nextIndex,
			Hash:  WithdrawalLeafHash(w.Recipient, w.Amount, w.Nonce),
		}
		if err := s.tree.AddLeaf(tx, block.Height, leaf); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	shouldRollback = false
	s.log.Debugf("appended block %d (%s), %d deposits applied, %d withdrawals",
		block.Height, block.Hash, len(appliedDeposits), len(withdrawals))
	return nil
}

// RollbackTo removes every block above the given height along with the peg
// events and tree roots they introduced. The target block becomes the head.
func (s *Store) RollbackTo(ctx context.Context, height uint64) error {
	head, err := s.Head()
	if err != nil {
		return err
	}
	if height > head.Height {
		return fmt.Errorf("%w: target %d, head %d", ErrHeightNotFound, height, head.Height)
	}
	if height == head.Height {
		return nil
	}

	tx, err := db.NewTx(ctx, s.db)
	if err != nil {
		return err
	}
	shouldRollback := true
	defer func() {
		if shouldRollback {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				s.log.Errorf("error while rolling back tx %v", errRllbck)
			}
		}
	}()

	firstOrphaned := height + 1
	if _, err := tx.Exec("DELETE FROM subnet_block WHERE height >= $1;", firstOrphaned); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM rejected_tx WHERE height >= $1;", firstOrphaned); err != nil {
		return err
	}
	if err := s.ledger.RollbackSubnetHeight(tx, firstOrphaned); err != nil {
		return err
	}
	if err := s.tree.Reorg(tx, firstOrphaned); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	shouldRollback = false
	s.log.Warnf("rolled back chain to height %d (orphaned from %d)", height, firstOrphaned)
	return nil
}

// Tree exposes the withdrawal tree for proof generation
func (s *Store) Tree() *tree.AppendOnlyTree {
	return s.tree
}

// GetRejectedTxs lists the transactions rejected while building the block
// at the given height
func (s *Store) GetRejectedTxs(height uint64) ([]*types.RejectedTx, error) {
	var rows []*types.RejectedTx
	err := meddler.QueryAll(s.db, &rows, "SELECT * FROM rejected_tx WHERE height = $1;", height)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// WithdrawalLeafHash is the leaf commitment for one withdrawal: the L1
// contract recomputes it from (recipient, amount, nonce) when redeeming.
func WithdrawalLeafHash(recipient common.Address, amount *big.Int, nonce uint64) common.Hash {
	var amountBuf [32]byte
	amount.FillBytes(amountBuf[:])
	return common.BytesToHash(keccak256.Hash(
		recipient.Bytes(),
		amountBuf[:],
		dbCommon.Uint64ToBytes(nonce),
	))
}
