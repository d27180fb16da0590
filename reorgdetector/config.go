package reorgdetector

import (
	"github.com/PinkDiamond1/stacks-subnets/config/types"
)

// Config of the reorg detector
type Config struct {
	// DBPath is the path to the sqlite file used to persist tracked blocks
	DBPath string `mapstructure:"DBPath"`
	// CheckReorgsInterval is how often tracked blocks are compared against
	// the canonical L1 chain
	CheckReorgsInterval types.Duration `mapstructure:"CheckReorgsInterval"`
	// MaxReorgDepth is the deepest retraction the node is willing to handle.
	// A reorg retracting more tracked blocks than this halts the node.
	MaxReorgDepth uint64 `mapstructure:"MaxReorgDepth"`
}
