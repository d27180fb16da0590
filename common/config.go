package common

// Config holds the configuration shared by all the components
type Config struct {
	// NetworkID is the id of the subnet being run
	NetworkID uint32 `mapstructure:"NetworkID"`
	// SubnetChainID is the chain id used to sign subnet transactions
	SubnetChainID uint64 `mapstructure:"SubnetChainID"`
}
