package tree

import (
	"database/sql"
	"errors"
	"fmt"

	dbmod "github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/tree/types"
	"github.com/ethereum/go-ethereum/common"
)

// AppendOnlyTree is a tree where leaves are added sequentially (by index)
type AppendOnlyTree struct {
	*Tree
	lastLeftCache [types.DefaultHeight]common.Hash
	lastIndex     int64
}

// NewAppendOnlyTree creates a AppendOnlyTree. tablePrefix isolates the rht
// and root tables when several trees share a sqlite file.
func NewAppendOnlyTree(db *sql.DB, tablePrefix string) *AppendOnlyTree {
	t := newTree(db, tablePrefix)
	return &AppendOnlyTree{
		Tree: t,
		// -2 forces the cache to be initialized from the last stored
		// root on the first AddLeaf
		lastIndex: -2,
	}
}

// AddLeaf adds a leaf to the tree. Indexes must be consecutive, starting at
// the index of the last added leaf +1. The write happens inside the given
// transaction; in-memory state is rolled back if the tx is.
func (t *AppendOnlyTree) AddLeaf(tx dbmod.Txer, blockNum uint64, leaf types.Leaf) error {
	if int64(leaf.Index) != t.lastIndex+1 {
		// rebuild cache in case the tree was modified by a rollback or
		// this is the first use after a restart
		if err := t.initCache(tx); err != nil {
			return err
		}
		if int64(leaf.Index) != t.lastIndex+1 {
			return fmt.Errorf(
				"mismatched index. Expected: %d, actual: %d",
				t.lastIndex+1, leaf.Index,
			)
		}
	}
	// Calculate new tree nodes
	currentChildHash := leaf.Hash
	newNodes := []types.TreeNode{}
	for h := uint8(0); h < types.DefaultHeight; h++ {
		var parent types.TreeNode
		if leaf.Index&(1<<h) > 0 {
			// Add child to the right
			parent = newTreeNode(t.lastLeftCache[h], currentChildHash)
		} else {
			// Add child to the left
			parent = newTreeNode(currentChildHash, t.zeroHashes[h])
			// Update the cache
			t.lastLeftCache[h] = currentChildHash
		}
		currentChildHash = parent.Hash
		newNodes = append(newNodes, parent)
	}

	// store root
	root := types.Root{
		Hash:     currentChildHash,
		Index:    leaf.Index,
		BlockNum: blockNum,
	}
	if err := t.storeRoot(tx, root); err != nil {
		return fmt.Errorf("failed to store root: %w", err)
	}
	// store nodes
	if err := t.storeNodes(tx, newNodes); err != nil {
		return fmt.Errorf("failed to store nodes: %w", err)
	}
	t.lastIndex++
	tx.AddRollbackCallback(func() { t.lastIndex = -2 })
	return nil
}

func (t *AppendOnlyTree) initCache(tx dbmod.Txer) error {
	siblings := [types.DefaultHeight]common.Hash{}
	lastRoot, err := t.GetLastRoot(tx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			t.lastIndex = -1
			t.lastLeftCache = siblings
			return nil
		}
		return err
	}
	t.lastIndex = int64(lastRoot.Index)
	currentNodeHash := lastRoot.Hash
	index := t.lastIndex
	// It starts in height-1 because 0 is the level of the leafs
	for h := int(types.DefaultHeight - 1); h >= 0; h-- {
		currentNode, err := t.getRHTNode(tx, currentNodeHash)
		if err != nil {
			return fmt.Errorf(
				"error getting node %s from the RHT at height %d with root %s: %w",
				currentNodeHash.Hex(), h, lastRoot.Hash.Hex(), err,
			)
		}
		if currentNode == nil {
			return ErrNotFound
		}
		siblings[h] = currentNode.Left
		if index&(1<<h) > 0 {
			currentNodeHash = currentNode.Right
		} else {
			currentNodeHash = currentNode.Left
		}
	}
	t.lastLeftCache = siblings
	return nil
}

// Reorg deletes all the data relevant from firstReorgedBlock (included) and
// onwards. The rht table is not cleaned, orphaned nodes are just never
// reachable again.
func (t *AppendOnlyTree) Reorg(tx dbmod.Txer, firstReorgedBlock uint64) error {
	_, err := tx.Exec(
		fmt.Sprintf("DELETE FROM %s WHERE block_num >= $1", t.rootTable),
		firstReorgedBlock,
	)
	if err != nil {
		return err
	}
	// force the cache to rebuild on the next AddLeaf
	t.lastIndex = -2
	return nil
}
