package config

// DefaultValues is the default configuration. Every value can be
// overridden from the config files passed with --cfg or from env vars.
const DefaultValues = `
DBPath = "subnets.sqlite"

[Log]
Environment = "development" # "production" or "development"
Level = "info"
Outputs = ["stderr"]

[Common]
NetworkID = 1
SubnetChainID = 2099

[L1Client]
URL = "http://localhost:8545"
SubnetContractAddr = "0x0000000000000000000000000000000000000000"
PrivateKeyPath = ""
PrivateKeyPassword = ""
GasLimit = 300000
Timeout = "10s"

[ReorgDetector]
DBPath = "reorgdetector.sqlite"
CheckReorgsInterval = "2s"
MaxReorgDepth = 64

[L1Observer]
DBPath = "subnets.sqlite"
InitialBlock = 0
BlockFinality = "LatestBlock"
WaitForNewBlocksPeriod = "3s"
RetryAfterErrorPeriod = "1s"
MaxRetryAttemptsAfterError = -1
DownloadBufferSize = 100
EventBufferSize = 100

[Mempool]
MaxTxs = 4096
MinFee = 1

[BlockBuilder]
MaxBlockBytes = 1048576
MintReservedBytes = 131072
BuildTimeout = "2s"
BlockInterval = "10s"
MinerAddress = "0x0000000000000000000000000000000000000000"

[Commitments]
RequiredConfirmations = 6
MaxSubmitRetries = 5
RetryBackoff = "5s"

[Node]
BlockInterval = "10s"
# keccak256 of the empty string, the state root of an empty VM
GenesisStateRoot = "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
GenesisTimestamp = 0

[RPC]
Host = "0.0.0.0"
Port = 5576
ReadTimeout = "2s"
WriteTimeout = "2s"
MaxRequestsPerIPAndSecond = 500
`
