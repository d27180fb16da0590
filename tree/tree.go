package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/tree/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
	"golang.org/x/crypto/sha3"
)

var (
	EmptyProof  = types.Proof{}
	ErrNotFound = errors.New("not found")
)

// Tree is a keccak merkle tree persisted in two sqlite tables: rht (reverse
// hash table, node hash -> children) and root (one row per version of the
// tree).
type Tree struct {
	db         *sql.DB
	zeroHashes []common.Hash
	rhtTable   string
	rootTable  string
}

func newTreeNode(left, right common.Hash) types.TreeNode {
	var hash common.Hash
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(left[:])
	hasher.Write(right[:])
	copy(hash[:], hasher.Sum(nil))
	return types.TreeNode{
		Hash:  hash,
		Left:  left,
		Right: right,
	}
}

func newTree(database *sql.DB, tablePrefix string) *Tree {
	return &Tree{
		db:         database,
		zeroHashes: generateZeroHashes(types.DefaultHeight),
		rhtTable:   tablePrefix + "rht",
		rootTable:  tablePrefix + "root",
	}
}

func generateZeroHashes(height uint8) []common.Hash {
	var zeroHashes = []common.Hash{
		{},
	}
	// zeroHashes[i] is the hash of an empty subtree of height i
	for i := 1; i <= int(height); i++ {
		hasher := sha3.NewLegacyKeccak256()
		hasher.Write(zeroHashes[i-1][:])
		hasher.Write(zeroHashes[i-1][:])
		thisHeightHash := common.Hash{}
		copy(thisHeightHash[:], hasher.Sum(nil))
		zeroHashes = append(zeroHashes, thisHeightHash)
	}
	return zeroHashes
}

func (t *Tree) getSiblings(tx db.Querier, index uint32, root common.Hash) (
	siblings [types.DefaultHeight]common.Hash,
	hasUsedZeroHashes bool,
	err error,
) {
	currentNodeHash := root
	// It starts in height-1 because 0 is the level of the leafs
	for h := int(types.DefaultHeight - 1); h >= 0; h-- {
		var currentNode *types.TreeNode
		currentNode, err = t.getRHTNode(tx, currentNodeHash)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				hasUsedZeroHashes = true
				siblings[h] = t.zeroHashes[h]
				err = nil
				continue
			}
			err = fmt.Errorf(
				"height: %d, currentNode: %s, error: %w",
				h, currentNodeHash.Hex(), err,
			)
			return
		}
		// bit h of the index decides which child holds the path to the
		// leaf; the other child is the sibling at this level
		if index&(1<<h) > 0 {
			siblings[h] = currentNode.Left
			currentNodeHash = currentNode.Right
		} else {
			siblings[h] = currentNode.Right
			currentNodeHash = currentNode.Left
		}
	}

	return
}

// GetProof returns the merkle proof for a given index and root
func (t *Tree) GetProof(ctx context.Context, index uint32, root common.Hash) (types.Proof, error) {
	siblings, isErrNotFound, err := t.getSiblings(t.db, index, root)
	if err != nil {
		return types.Proof{}, err
	}
	if isErrNotFound {
		return types.Proof{}, ErrNotFound
	}
	return siblings, nil
}

func (t *Tree) getRHTNode(tx db.Querier, nodeHash common.Hash) (*types.TreeNode, error) {
	node := &types.TreeNode{}
	err := meddler.QueryRow(
		tx, node,
		fmt.Sprintf("SELECT * FROM %s WHERE hash = $1", t.rhtTable),
		nodeHash.Hex(),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return node, ErrNotFound
		}
		return node, err
	}
	return node, nil
}

func (t *Tree) storeNodes(tx db.Txer, nodes []types.TreeNode) error {
	for i := range nodes {
		if err := meddler.Insert(tx, t.rhtTable, &nodes[i]); err != nil {
			if sqliteErr, ok := db.SQLiteErr(err); ok {
				if sqliteErr.ExtendedCode == db.UniqueConstrain {
					// nodes are content addressed, the row already exists
					continue
				}
			}
			return err
		}
	}
	return nil
}

func (t *Tree) storeRoot(tx db.Txer, root types.Root) error {
	return meddler.Insert(tx, t.rootTable, &root)
}

// GetLastRoot returns the last processed root
func (t *Tree) GetLastRoot(tx db.Querier) (types.Root, error) {
	if tx == nil {
		tx = t.db
	}
	var root types.Root
	err := meddler.QueryRow(
		tx, &root,
		fmt.Sprintf("SELECT * FROM %s ORDER BY block_num DESC, position DESC LIMIT 1;", t.rootTable),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return root, ErrNotFound
		}
		return root, err
	}
	return root, nil
}

// GetRootByIndex returns the root of the tree as it was right after adding
// the leaf with the given index
func (t *Tree) GetRootByIndex(ctx context.Context, index uint32) (types.Root, error) {
	var root types.Root
	err := meddler.QueryRow(
		t.db, &root,
		fmt.Sprintf("SELECT * FROM %s WHERE position = $1;", t.rootTable),
		index,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return root, ErrNotFound
		}
		return root, err
	}
	return root, nil
}

// GetRootByHash returns the root associated to the given root hash
func (t *Tree) GetRootByHash(ctx context.Context, hash common.Hash) (*types.Root, error) {
	var root types.Root
	err := meddler.QueryRow(
		t.db, &root,
		fmt.Sprintf("SELECT * FROM %s WHERE hash = $1;", t.rootTable),
		hash.Hex(),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &root, nil
}

// GetLastRootUpTo returns the most recent root created at or below the
// given block number
func (t *Tree) GetLastRootUpTo(tx db.Querier, blockNum uint64) (types.Root, error) {
	if tx == nil {
		tx = t.db
	}
	var root types.Root
	err := meddler.QueryRow(
		tx, &root,
		fmt.Sprintf("SELECT * FROM %s WHERE block_num <= $1 ORDER BY block_num DESC, position DESC LIMIT 1;", t.rootTable),
		blockNum,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return root, ErrNotFound
		}
		return root, err
	}
	return root, nil
}

// CalculateRoot recomputes the root implied by a leaf, its proof and its
// index. Used to verify proofs without any stored state.
func CalculateRoot(leafHash common.Hash, proof types.Proof, index uint32) common.Hash {
	node := leafHash
	for h := uint8(0); h < types.DefaultHeight; h++ {
		if index&(1<<h) > 0 {
			node = newTreeNode(proof[h], node).Hash
		} else {
			node = newTreeNode(node, proof[h]).Hash
		}
	}
	return node
}

// GetLeaf walks down from root to the leaf at the given index
func (t *Tree) GetLeaf(ctx context.Context, index uint32, root common.Hash) (common.Hash, error) {
	currentNodeHash := root
	for h := int(types.DefaultHeight - 1); h >= 0; h-- {
		currentNode, err := t.getRHTNode(t.db, currentNodeHash)
		if err != nil {
			return common.Hash{}, err
		}
		if index&(1<<h) > 0 {
			currentNodeHash = currentNode.Right
		} else {
			currentNodeHash = currentNode.Left
		}
	}
	return currentNodeHash, nil
}
