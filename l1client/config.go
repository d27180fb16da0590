package l1client

import (
	"github.com/PinkDiamond1/stacks-subnets/config/types"
	"github.com/ethereum/go-ethereum/common"
)

// Config holds the connection and contract parameters for the L1 chain
type Config struct {
	// URL is the RPC endpoint of an L1 node
	URL string `mapstructure:"URL"`
	// SubnetContractAddr is the address of the subnet peg/commitment contract
	SubnetContractAddr common.Address `mapstructure:"SubnetContractAddr"`
	// PrivateKeyPath is the keystore file holding the anchoring key
	PrivateKeyPath string `mapstructure:"PrivateKeyPath"`
	// PrivateKeyPassword decrypts the keystore file
	PrivateKeyPassword string `mapstructure:"PrivateKeyPassword"`
	// GasLimit used for commitment transactions
	GasLimit uint64 `mapstructure:"GasLimit"`
	// Timeout for individual RPC calls against the L1 node
	Timeout types.Duration `mapstructure:"Timeout"`
}
