package prover

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/PinkDiamond1/stacks-subnets/chainstate"
	"github.com/PinkDiamond1/stacks-subnets/commitments"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/tree"
	treeTypes "github.com/PinkDiamond1/stacks-subnets/tree/types"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrUnknownNonce means no withdrawal with that nonce exists
	ErrUnknownNonce = errors.New("unknown withdrawal nonce")
	// ErrNotFinalized means the withdrawal exists but its containing block
	// is not anchored deep enough in L1 yet
	ErrNotFinalized = errors.New("withdrawal not finalized yet")
)

// NotFinalizedError carries the L1 height at which the withdrawal is
// expected to finalize, when that can be estimated. It unwraps to
// ErrNotFinalized.
type NotFinalizedError struct {
	// EstimatedConfirmationHeight is 0 when the commitment has not been
	// seen on L1 yet
	EstimatedConfirmationHeight uint64
}

func (e *NotFinalizedError) Error() string {
	if e.EstimatedConfirmationHeight == 0 {
		return ErrNotFinalized.Error()
	}
	return fmt.Sprintf("%s, expected final at L1 height %d",
		ErrNotFinalized.Error(), e.EstimatedConfirmationHeight)
}

func (e *NotFinalizedError) Unwrap() error {
	return ErrNotFinalized
}

// Proof is everything the L1 contract needs to redeem a withdrawal: the
// leaf data, its position, the merkle path and the root it resolves to,
// plus the anchoring context for auditability.
type Proof struct {
	Recipient    common.Address  `json:"recipient"`
	Amount       *big.Int        `json:"amount"`
	Nonce        uint64          `json:"nonce"`
	Leaf         common.Hash     `json:"leaf"`
	LeafIndex    uint32          `json:"leaf_index"`
	Root         common.Hash     `json:"root"`
	Siblings     treeTypes.Proof `json:"siblings"`
	SubnetHeight uint64          `json:"subnet_height"`
	L1TxHash     common.Hash     `json:"l1_tx_hash"`
}

// Verify recomputes the root from the leaf and the merkle path
func (p *Proof) Verify() bool {
	if p.Leaf != chainstate.WithdrawalLeafHash(p.Recipient, p.Amount, p.Nonce) {
		return false
	}
	return tree.CalculateRoot(p.Leaf, p.Siblings, p.LeafIndex) == p.Root
}

// Prover produces merkle proofs for finalized withdrawals
type Prover struct {
	ledger        *pegledger.Ledger
	tree          *tree.AppendOnlyTree
	storage       *commitments.Storage
	requiredConfs uint64
	log           *log.Logger
}

func New(ledger *pegledger.Ledger, t *tree.AppendOnlyTree, storage *commitments.Storage, requiredConfs uint64) *Prover {
	return &Prover{
		ledger:        ledger,
		tree:          t,
		storage:       storage,
		requiredConfs: requiredConfs,
		log:           log.WithFields("module", "prover"),
	}
}

// Prove builds the withdrawal proof for the given nonce. It fails with
// ErrUnknownNonce for nonces never seen and with a NotFinalizedError while
// the containing block's commitment lacks confirmations.
func (p *Prover) Prove(ctx context.Context, nonce uint64) (*Proof, error) {
	event, err := p.ledger.GetEvent(pegledger.OriginSubnet, nonce)
	if err != nil {
		if errors.Is(err, pegledger.ErrNotFound) {
			return nil, ErrUnknownNonce
		}
		return nil, err
	}
	if event.Status != pegledger.StatusFinalized {
		return nil, &NotFinalizedError{
			EstimatedConfirmationHeight: p.estimateConfirmation(event.SubnetHeight),
		}
	}

	confirmedHeight, err := p.storage.LastConfirmedHeight(nil)
	if err != nil {
		return nil, err
	}
	root, err := p.tree.GetLastRootUpTo(nil, confirmedHeight)
	if err != nil {
		return nil, err
	}
	siblings, err := p.tree.GetProof(ctx, event.LeafIndex, root.Hash)
	if err != nil {
		return nil, err
	}

	commitment, err := p.storage.GetByHeight(nil, event.SubnetHeight)
	if err != nil && !errors.Is(err, commitments.ErrNotFound) {
		return nil, err
	}
	var l1TxHash common.Hash
	if commitment != nil {
		l1TxHash = commitment.L1TxHash
	}

	return &Proof{
		Recipient:    event.Recipient,
		Amount:       event.Amount,
		Nonce:        event.Nonce,
		Leaf:         chainstate.WithdrawalLeafHash(event.Recipient, event.Amount, event.Nonce),
		LeafIndex:    event.LeafIndex,
		Root:         root.Hash,
		Siblings:     siblings,
		SubnetHeight: event.SubnetHeight,
		L1TxHash:     l1TxHash,
	}, nil
}

// estimateConfirmation guesses the L1 height at which the withdrawal's
// containing block will have gathered its confirmations
func (p *Prover) estimateConfirmation(subnetHeight uint64) uint64 {
	if subnetHeight == 0 {
		return 0
	}
	c, err := p.storage.GetByHeight(nil, subnetHeight)
	if err != nil || c.L1BlockNum == 0 {
		return 0
	}
	return c.L1BlockNum + p.requiredConfs - 1
}
