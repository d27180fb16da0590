package commitments

import (
	"fmt"

	"github.com/PinkDiamond1/stacks-subnets/config/types"
)

// Config of the commitment coordinator
type Config struct {
	// RequiredConfirmations is how many L1 blocks deep a commitment must be
	// before the anchored subnet block is final. The inclusion block counts
	// as the first confirmation. Must be at least 1.
	RequiredConfirmations uint64 `mapstructure:"RequiredConfirmations"`
	// MaxSubmitRetries bounds the resubmission attempts for a failing
	// commitment before the node degrades to building without anchoring
	MaxSubmitRetries int `mapstructure:"MaxSubmitRetries"`
	// RetryBackoff is the base delay between resubmission attempts,
	// doubled on every retry
	RetryBackoff types.Duration `mapstructure:"RetryBackoff"`
}

func (c Config) Validate() error {
	if c.RequiredConfirmations < 1 {
		return fmt.Errorf("RequiredConfirmations must be >= 1, got %d", c.RequiredConfirmations)
	}
	return nil
}
