package tree_test

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"testing"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/tree"
	"github.com/PinkDiamond1/stacks-subnets/tree/migrations"
	"github.com/PinkDiamond1/stacks-subnets/tree/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T) (*tree.AppendOnlyTree, *sql.DB) {
	t.Helper()
	dbPath := path.Join(t.TempDir(), "tree.sqlite")
	require.NoError(t, migrations.RunMigrations(dbPath))
	database, err := db.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	return tree.NewAppendOnlyTree(database, ""), database
}

func addLeaf(t *testing.T, database *sql.DB, tr *tree.AppendOnlyTree, blockNum uint64, leaf types.Leaf) {
	t.Helper()
	tx, err := db.NewTx(context.Background(), database)
	require.NoError(t, err)
	require.NoError(t, tr.AddLeaf(tx, blockNum, leaf))
	require.NoError(t, tx.Commit())
}

func leafHash(i int) common.Hash {
	return common.BytesToHash([]byte(fmt.Sprintf("leaf-%d", i)))
}

func TestAddLeafAndProve(t *testing.T) {
	tr, database := newTestTree(t)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		addLeaf(t, database, tr, uint64(i+1), types.Leaf{Index: uint32(i), Hash: leafHash(i)})
	}

	root, err := tr.GetLastRoot(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(n-1), root.Index)
	require.Equal(t, uint64(n), root.BlockNum)

	for i := 0; i < n; i++ {
		proof, err := tr.GetProof(ctx, uint32(i), root.Hash)
		require.NoError(t, err)
		require.Equal(t, root.Hash, tree.CalculateRoot(leafHash(i), proof, uint32(i)))

		got, err := tr.GetLeaf(ctx, uint32(i), root.Hash)
		require.NoError(t, err)
		require.Equal(t, leafHash(i), got)
	}

	// a tampered leaf never reproduces the root
	proof, err := tr.GetProof(ctx, 0, root.Hash)
	require.NoError(t, err)
	require.NotEqual(t, root.Hash, tree.CalculateRoot(leafHash(1), proof, 0))
}

func TestAddLeafRejectsGaps(t *testing.T) {
	tr, database := newTestTree(t)

	tx, err := db.NewTx(context.Background(), database)
	require.NoError(t, err)
	err = tr.AddLeaf(tx, 1, types.Leaf{Index: 3, Hash: leafHash(3)})
	require.ErrorContains(t, err, "mismatched index")
	require.NoError(t, tx.Rollback())
}

func TestGetLastRootEmpty(t *testing.T) {
	tr, _ := newTestTree(t)
	_, err := tr.GetLastRoot(nil)
	require.ErrorIs(t, err, tree.ErrNotFound)
}

func TestGetLastRootUpTo(t *testing.T) {
	tr, database := newTestTree(t)

	for i := 0; i < 3; i++ {
		addLeaf(t, database, tr, uint64(i+1), types.Leaf{Index: uint32(i), Hash: leafHash(i)})
	}

	root, err := tr.GetLastRootUpTo(nil, 2)
	require.NoError(t, err)
	require.Equal(t, uint32(1), root.Index)
	require.Equal(t, uint64(2), root.BlockNum)

	_, err = tr.GetLastRootUpTo(nil, 0)
	require.ErrorIs(t, err, tree.ErrNotFound)
}

func TestGetRootByIndexAndHash(t *testing.T) {
	tr, database := newTestTree(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addLeaf(t, database, tr, uint64(i+1), types.Leaf{Index: uint32(i), Hash: leafHash(i)})
	}

	byIndex, err := tr.GetRootByIndex(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), byIndex.Index)

	byHash, err := tr.GetRootByHash(ctx, byIndex.Hash)
	require.NoError(t, err)
	require.Equal(t, byIndex, *byHash)

	_, err = tr.GetRootByHash(ctx, common.HexToHash("0xdead"))
	require.ErrorIs(t, err, tree.ErrNotFound)
}

func TestReorg(t *testing.T) {
	tr, database := newTestTree(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addLeaf(t, database, tr, uint64(i+1), types.Leaf{Index: uint32(i), Hash: leafHash(i)})
	}

	tx, err := db.NewTx(ctx, database)
	require.NoError(t, err)
	require.NoError(t, tr.Reorg(tx, 2))
	require.NoError(t, tx.Commit())

	root, err := tr.GetLastRoot(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), root.Index)

	// appending after the reorg resumes from the surviving leaf
	addLeaf(t, database, tr, 4, types.Leaf{Index: 1, Hash: leafHash(10)})
	root, err = tr.GetLastRoot(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), root.Index)

	proof, err := tr.GetProof(ctx, 1, root.Hash)
	require.NoError(t, err)
	require.Equal(t, root.Hash, tree.CalculateRoot(leafHash(10), proof, 1))
}

func TestRollbackResetsCache(t *testing.T) {
	tr, database := newTestTree(t)
	ctx := context.Background()

	tx, err := db.NewTx(ctx, database)
	require.NoError(t, err)
	require.NoError(t, tr.AddLeaf(tx, 1, types.Leaf{Index: 0, Hash: leafHash(0)}))
	require.NoError(t, tx.Rollback())

	_, err = tr.GetLastRoot(nil)
	require.ErrorIs(t, err, tree.ErrNotFound)

	// the rolled back index is accepted again
	addLeaf(t, database, tr, 1, types.Leaf{Index: 0, Hash: leafHash(0)})
	root, err := tr.GetLastRoot(nil)
	require.NoError(t, err)
	require.Equal(t, uint32(0), root.Index)
}
