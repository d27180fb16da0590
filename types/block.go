package types

import (
	"github.com/PinkDiamond1/stacks-subnets/common"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/iden3/go-iden3-crypto/keccak256"
)

// SubnetBlock is a block of the subnet chain. Its height is strictly
// increasing with no gaps and its parent hash must match the previous
// block's hash, except for the genesis block at height 0.
type SubnetBlock struct {
	Height     uint64            `meddler:"height"`
	Hash       ethCommon.Hash    `meddler:"hash,hash"`
	ParentHash ethCommon.Hash    `meddler:"parent_hash,hash"`
	StateRoot  ethCommon.Hash    `meddler:"state_root,hash"`
	Timestamp  uint64            `meddler:"timestamp"`
	Miner      ethCommon.Address `meddler:"miner,address"`
	TxHashes   []ethCommon.Hash  `meddler:"tx_hashes,hashlist"`
}

// ComputeHash returns the block identity hash. It commits to every header
// field and to the ordered transaction hash list, so two builds that include
// the same transactions in the same order against the same parent produce
// the same hash.
func (b *SubnetBlock) ComputeHash() ethCommon.Hash {
	txsMaterial := make([]byte, 0, len(b.TxHashes)*ethCommon.HashLength)
	for _, txHash := range b.TxHashes {
		txsMaterial = append(txsMaterial, txHash.Bytes()...)
	}
	return ethCommon.BytesToHash(keccak256.Hash(
		common.Uint64ToBytes(b.Height),
		b.ParentHash.Bytes(),
		b.StateRoot.Bytes(),
		keccak256.Hash(txsMaterial),
		common.Uint64ToBytes(b.Timestamp),
		b.Miner.Bytes(),
	))
}

// SealHash computes and sets the block hash.
func (b *SubnetBlock) SealHash() {
	b.Hash = b.ComputeHash()
}

// NewGenesisBlock returns the fixed block at height 0
func NewGenesisBlock(stateRoot ethCommon.Hash, timestamp uint64) *SubnetBlock {
	b := &SubnetBlock{
		Height:     0,
		ParentHash: ethCommon.Hash{},
		StateRoot:  stateRoot,
		Timestamp:  timestamp,
	}
	b.SealHash()
	return b
}
