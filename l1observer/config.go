package l1observer

import (
	"github.com/PinkDiamond1/stacks-subnets/config/types"
)

// Config of the L1 observer
type Config struct {
	// DBPath is the sqlite file shared with the peg ledger
	DBPath string `mapstructure:"DBPath"`
	// InitialBlock is the L1 block the subnet contract was deployed at;
	// observation starts right after it
	InitialBlock uint64 `mapstructure:"InitialBlock"`
	// BlockFinality is the finality tag the L1 tip is tracked under, one
	// of LatestBlock, SafeBlock, PendingBlock, FinalizedBlock,
	// EarliestBlock
	BlockFinality string `mapstructure:"BlockFinality"`
	// WaitForNewBlocksPeriod is the poll interval against the L1 tip
	WaitForNewBlocksPeriod types.Duration `mapstructure:"WaitForNewBlocksPeriod"`
	// RetryAfterErrorPeriod is the wait before retrying a failed L1 call
	RetryAfterErrorPeriod types.Duration `mapstructure:"RetryAfterErrorPeriod"`
	// MaxRetryAttemptsAfterError bounds consecutive failed retries before
	// the node gives up. -1 retries forever.
	MaxRetryAttemptsAfterError int `mapstructure:"MaxRetryAttemptsAfterError"`
	// DownloadBufferSize is the capacity of the downloaded blocks channel
	DownloadBufferSize int `mapstructure:"DownloadBufferSize"`
	// EventBufferSize is the capacity of the chain event channel consumed
	// by the node loop
	EventBufferSize int `mapstructure:"EventBufferSize"`
}
