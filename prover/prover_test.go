package prover

import (
	"context"
	"database/sql"
	"math/big"
	"path"
	"testing"

	"github.com/PinkDiamond1/stacks-subnets/chainstate"
	"github.com/PinkDiamond1/stacks-subnets/commitments"
	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/tree"
	treeTypes "github.com/PinkDiamond1/stacks-subnets/tree/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

type proverFixture struct {
	prover   *Prover
	ledger   *pegledger.Ledger
	storage  *commitments.Storage
	tree     *tree.AppendOnlyTree
	database *sql.DB
}

func newFixture(t *testing.T) *proverFixture {
	t.Helper()
	dbPath := path.Join(t.TempDir(), "prover.sqlite")
	ledger, err := pegledger.NewLedger(dbPath)
	require.NoError(t, err)
	storage, err := commitments.NewStorage(dbPath)
	require.NoError(t, err)
	database, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	tr := tree.NewAppendOnlyTree(database, "")
	return &proverFixture{
		prover:   New(ledger, tr, storage, 3),
		ledger:   ledger,
		storage:  storage,
		tree:     tr,
		database: database,
	}
}

// addWithdrawal records the peg event and its tree leaf the way block
// application does, at the given subnet height.
func (f *proverFixture) addWithdrawal(t *testing.T, recipient common.Address, amount *big.Int, nonce uint64, height uint64, leafIndex uint32) {
	t.Helper()
	require.NoError(t, f.ledger.RecordWithdrawal(nil, recipient, amount, nonce, height, leafIndex))
	tx, err := db.NewTx(context.Background(), f.database)
	require.NoError(t, err)
	leaf := chainstate.WithdrawalLeafHash(recipient, amount, nonce)
	require.NoError(t, f.tree.AddLeaf(tx, height, treeTypes.Leaf{Index: leafIndex, Hash: leaf}))
	require.NoError(t, tx.Commit())
}

func (f *proverFixture) confirmHeight(t *testing.T, height, l1BlockNum uint64) {
	t.Helper()
	require.NoError(t, f.storage.Save(nil, &commitments.Commitment{
		SubnetHeight:    height,
		SubnetBlockHash: common.HexToHash("0xab"),
		Status:          commitments.StatusConfirmed,
		L1TxHash:        common.HexToHash("0xf1"),
		L1BlockNum:      l1BlockNum,
		Ours:            true,
	}))
	require.NoError(t, f.ledger.MarkFinalizedForHeight(nil, height))
}

func TestProveFinalizedWithdrawal(t *testing.T) {
	f := newFixture(t)
	recipient := common.HexToAddress("0x11")
	amount := big.NewInt(42)

	f.addWithdrawal(t, recipient, amount, 0, 1, 0)
	f.addWithdrawal(t, common.HexToAddress("0x22"), big.NewInt(7), 1, 1, 1)
	f.confirmHeight(t, 1, 100)

	proof, err := f.prover.Prove(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, recipient, proof.Recipient)
	require.Equal(t, amount, proof.Amount)
	require.Equal(t, uint64(0), proof.Nonce)
	require.Equal(t, uint32(0), proof.LeafIndex)
	require.Equal(t, uint64(1), proof.SubnetHeight)
	require.Equal(t, common.HexToHash("0xf1"), proof.L1TxHash)
	require.True(t, proof.Verify())

	// tampering breaks verification
	bad := *proof
	bad.Amount = big.NewInt(43)
	require.False(t, bad.Verify())
}

func TestProveUnknownNonce(t *testing.T) {
	f := newFixture(t)
	_, err := f.prover.Prove(context.Background(), 99)
	require.ErrorIs(t, err, ErrUnknownNonce)
}

func TestProveNotFinalized(t *testing.T) {
	f := newFixture(t)
	f.addWithdrawal(t, common.HexToAddress("0x11"), big.NewInt(5), 0, 2, 0)

	// the commitment has not been seen on L1 yet, no estimate
	_, err := f.prover.Prove(context.Background(), 0)
	require.ErrorIs(t, err, ErrNotFinalized)
	var notFinal *NotFinalizedError
	require.ErrorAs(t, err, &notFinal)
	require.Equal(t, uint64(0), notFinal.EstimatedConfirmationHeight)

	// once the commitment is included, the estimate is inclusion + K - 1
	require.NoError(t, f.storage.Save(nil, &commitments.Commitment{
		SubnetHeight:    2,
		SubnetBlockHash: common.HexToHash("0xab"),
		Status:          commitments.StatusSubmitted,
		L1TxHash:        common.HexToHash("0xf2"),
		L1BlockNum:      50,
		Ours:            true,
	}))
	_, err = f.prover.Prove(context.Background(), 0)
	require.ErrorAs(t, err, &notFinal)
	require.Equal(t, uint64(52), notFinal.EstimatedConfirmationHeight)
}

func TestProveUsesConfirmedRoot(t *testing.T) {
	f := newFixture(t)
	recipient := common.HexToAddress("0x11")

	// withdrawal at height 1, finalized; a later unfinalized one at height 2
	f.addWithdrawal(t, recipient, big.NewInt(9), 0, 1, 0)
	f.confirmHeight(t, 1, 100)
	f.addWithdrawal(t, common.HexToAddress("0x22"), big.NewInt(3), 1, 2, 1)

	proof, err := f.prover.Prove(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, proof.Verify())

	// the proof resolves to the root as of the confirmed height, not the tip
	tip, err := f.tree.GetLastRoot(nil)
	require.NoError(t, err)
	require.NotEqual(t, tip.Hash, proof.Root)
}
