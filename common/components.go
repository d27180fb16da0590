package common

const (
	// L1_OBSERVER name to identify the L1 observer component
	L1_OBSERVER = "l1-observer" //nolint:stylecheck
	// BLOCK_PRODUCER name to identify the block building + commitment pipeline
	BLOCK_PRODUCER = "block-producer" //nolint:stylecheck
	// RPC name to identify the rpc component, which also serves the
	// withdrawal prover endpoints
	RPC = "rpc"
)
