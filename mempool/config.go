package mempool

// Config of the mempool
type Config struct {
	// MaxTxs is the maximum number of pending transactions held in memory.
	// Add returns ErrPoolFull once it is reached.
	MaxTxs int `mapstructure:"MaxTxs"`
	// MinFee is the lowest fee accepted into the pool
	MinFee uint64 `mapstructure:"MinFee"`
}
