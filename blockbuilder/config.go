package blockbuilder

import (
	"github.com/PinkDiamond1/stacks-subnets/config/types"
	"github.com/ethereum/go-ethereum/common"
)

// Config of the block builder
type Config struct {
	// MaxBlockBytes caps the total serialized size of a block's transactions
	MaxBlockBytes uint64 `mapstructure:"MaxBlockBytes"`
	// MintReservedBytes is the share of MaxBlockBytes kept free for mint
	// transactions so pending deposits are never crowded out by user load
	MintReservedBytes uint64 `mapstructure:"MintReservedBytes"`
	// BuildTimeout bounds the execution time of a single block build
	BuildTimeout types.Duration `mapstructure:"BuildTimeout"`
	// BlockInterval is the target spacing between blocks. Block timestamps
	// advance by this amount from the parent, so two builders producing the
	// same height from the same parent produce the same block.
	BlockInterval types.Duration `mapstructure:"BlockInterval"`
	// MinerAddress is stamped into every produced block
	MinerAddress common.Address `mapstructure:"MinerAddress"`
}
