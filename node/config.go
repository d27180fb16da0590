package node

import (
	"github.com/PinkDiamond1/stacks-subnets/config/types"
	"github.com/ethereum/go-ethereum/common"
)

// Config of the node loop
type Config struct {
	// BlockInterval is the target time between produced subnet blocks
	BlockInterval types.Duration `mapstructure:"BlockInterval"`
	// GenesisStateRoot is the state root of the empty VM state, stamped
	// into the genesis block
	GenesisStateRoot common.Hash `mapstructure:"GenesisStateRoot"`
	// GenesisTimestamp is the fixed timestamp of the genesis block
	GenesisTimestamp uint64 `mapstructure:"GenesisTimestamp"`
}
