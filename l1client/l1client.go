package l1client

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrNotFound is returned when the requested L1 block does not exist
	ErrNotFound = errors.New("l1 block not found")
	// ErrNoAnchoringKey is returned by SubmitCommitment when the node runs
	// without a keystore and therefore cannot anchor
	ErrNoAnchoringKey = errors.New("no anchoring key configured")

	depositEventSignatureHash = crypto.Keccak256Hash(
		[]byte("SubnetDeposit(address,uint256,uint64)"))
	commitmentEventSignatureHash = crypto.Keccak256Hash(
		[]byte("SubnetBlockCommitted(uint64,bytes32,bytes32)"))
	commitBlockSelector = crypto.Keccak256(
		[]byte("commitBlock(uint64,bytes32,bytes32)"))[:4]
)

// EthClienter is the subset of the go-ethereum client used by the subnet node
type EthClienter interface {
	ethereum.LogFilterer
	ethereum.BlockNumberReader
	ethereum.ChainReader
	ethereum.TransactionSender
	ethereum.GasPricer
	ethereum.PendingStateReader
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client talks to the L1 chain: it reads subnet-relevant events out of L1
// blocks and submits commitment transactions through the subnet contract.
type Client struct {
	EthClient    EthClienter
	contractAddr common.Address
	gasLimit     uint64
	auth         *keystore.Key
	chainID      *big.Int
}

// NewClient dials the configured L1 node and loads the anchoring key
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	ethClient, err := ethclient.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error connecting to %s: %w", cfg.URL, err)
	}
	chainID, err := ethClient.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	c := &Client{
		EthClient:    ethClient,
		contractAddr: cfg.SubnetContractAddr,
		gasLimit:     cfg.GasLimit,
		chainID:      chainID,
	}
	if cfg.PrivateKeyPath != "" {
		keystoreEncrypted, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("error reading keystore %s: %w", cfg.PrivateKeyPath, err)
		}
		key, err := keystore.DecryptKey(keystoreEncrypted, cfg.PrivateKeyPassword)
		if err != nil {
			return nil, err
		}
		c.auth = key
		log.Infof("l1client: anchoring from address %s", key.Address.String())
	}
	return c, nil
}

// HeaderByNumber returns the header for the given block number. A nil
// number means the latest block; finality tags from BlockNumberFinality
// can be passed through ToBlockNum.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	header, err := c.EthClient.HeaderByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return header, nil
}

// GetBlock fetches the block at the given height together with the decoded
// subnet deposit and commitment events it carries.
func (c *Client) GetBlock(ctx context.Context, blockNum uint64) (*L1Block, error) {
	header, err := c.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNum))
	if err != nil {
		return nil, err
	}
	b := &L1Block{
		Num:        header.Number.Uint64(),
		Hash:       header.Hash(),
		ParentHash: header.ParentHash,
		Timestamp:  header.Time,
	}
	query := ethereum.FilterQuery{
		FromBlock: header.Number,
		ToBlock:   header.Number,
		Addresses: []common.Address{c.contractAddr},
	}
	logs, err := c.EthClient.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		switch l.Topics[0] {
		case depositEventSignatureHash:
			d, err := decodeDepositEvent(l)
			if err != nil {
				return nil, err
			}
			b.Deposits = append(b.Deposits, d)
		case commitmentEventSignatureHash:
			cm, err := decodeCommitmentEvent(l)
			if err != nil {
				return nil, err
			}
			b.Commitments = append(b.Commitments, cm)
		}
	}
	return b, nil
}

func decodeDepositEvent(l types.Log) (DepositEvent, error) {
	if len(l.Topics) != 2 || len(l.Data) != 64 {
		return DepositEvent{}, fmt.Errorf("malformed deposit event in tx %s", l.TxHash.String())
	}
	return DepositEvent{
		L1Height:  l.BlockNumber,
		TxHash:    l.TxHash,
		Recipient: common.BytesToAddress(l.Topics[1].Bytes()),
		Amount:    new(big.Int).SetBytes(l.Data[:32]),
		Nonce:     new(big.Int).SetBytes(l.Data[32:64]).Uint64(),
	}, nil
}

func decodeCommitmentEvent(l types.Log) (CommitmentEvent, error) {
	if len(l.Data) != 96 {
		return CommitmentEvent{}, fmt.Errorf("malformed commitment event in tx %s", l.TxHash.String())
	}
	return CommitmentEvent{
		L1Height:        l.BlockNumber,
		TxIndex:         l.TxIndex,
		TxHash:          l.TxHash,
		SubnetHeight:    new(big.Int).SetBytes(l.Data[:32]).Uint64(),
		SubnetBlockHash: common.BytesToHash(l.Data[32:64]),
		StateRoot:       common.BytesToHash(l.Data[64:96]),
	}, nil
}

// SubmitCommitment signs and broadcasts a commitment transaction asserting
// the given subnet block. It returns the L1 transaction hash; inclusion and
// confirmation are tracked separately by the caller.
func (c *Client) SubmitCommitment(
	ctx context.Context, subnetHeight uint64, blockHash, stateRoot common.Hash,
) (common.Hash, error) {
	if c.auth == nil {
		return common.Hash{}, ErrNoAnchoringKey
	}
	nonce, err := c.EthClient.PendingNonceAt(ctx, c.auth.Address)
	if err != nil {
		return common.Hash{}, err
	}
	gasPrice, err := c.EthClient.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	data := make([]byte, 0, 4+96)
	data = append(data, commitBlockSelector...)
	data = append(data, common.LeftPadBytes(new(big.Int).SetUint64(subnetHeight).Bytes(), 32)...)
	data = append(data, blockHash.Bytes()...)
	data = append(data, stateRoot.Bytes()...)

	tx := types.NewTransaction(nonce, c.contractAddr, big.NewInt(0), c.gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.auth.PrivateKey)
	if err != nil {
		return common.Hash{}, err
	}
	if err := c.EthClient.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, err
	}
	log.Debugf("l1client: submitted commitment for subnet height %d in tx %s",
		subnetHeight, signedTx.Hash().String())
	return signedTx.Hash(), nil
}
