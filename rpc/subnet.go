package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/PinkDiamond1/stacks-subnets/chainstate"
	"github.com/PinkDiamond1/stacks-subnets/commitments"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/mempool"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/prover"
	"github.com/PinkDiamond1/stacks-subnets/types"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SUBNET is the namespace of the subnet service
	SUBNET    = "subnet"
	meterName = "github.com/PinkDiamond1/stacks-subnets/rpc"
)

// PegStatus is the response of subnet_getPegStatus
type PegStatus struct {
	Origin       pegledger.Origin `json:"origin"`
	Nonce        uint64           `json:"nonce"`
	Recipient    common.Address   `json:"recipient"`
	Amount       *big.Int         `json:"amount"`
	Status       pegledger.Status `json:"status"`
	SubnetHeight uint64           `json:"subnet_height,omitempty"`
	L1TxHash     common.Hash      `json:"l1_tx_hash,omitempty"`
}

// CommitmentInfo is the response of subnet_getCommitment
type CommitmentInfo struct {
	SubnetHeight    uint64             `json:"subnet_height"`
	SubnetBlockHash common.Hash        `json:"subnet_block_hash"`
	StateRoot       common.Hash        `json:"state_root"`
	Status          commitments.Status `json:"status"`
	L1TxHash        common.Hash        `json:"l1_tx_hash,omitempty"`
	L1BlockNum      uint64             `json:"l1_block_num,omitempty"`
}

// SubnetEndpoints contains implementations for the "subnet" RPC endpoints
type SubnetEndpoints struct {
	logger      *log.Logger
	meter       metric.Meter
	readTimeout time.Duration
	pool        *mempool.Mempool
	store       *chainstate.Store
	ledger      *pegledger.Ledger
	storage     *commitments.Storage
	prover      *prover.Prover
}

// NewSubnetEndpoints returns SubnetEndpoints
func NewSubnetEndpoints(
	logger *log.Logger,
	readTimeout time.Duration,
	pool *mempool.Mempool,
	store *chainstate.Store,
	ledger *pegledger.Ledger,
	storage *commitments.Storage,
	prv *prover.Prover,
) *SubnetEndpoints {
	meter := otel.Meter(meterName)
	return &SubnetEndpoints{
		logger:      logger,
		meter:       meter,
		readTimeout: readTimeout,
		pool:        pool,
		store:       store,
		ledger:      ledger,
		storage:     storage,
		prover:      prv,
	}
}

// SendTransaction validates a signed transaction and admits it to the
// mempool. Returns the transaction hash.
func (s *SubnetEndpoints) SendTransaction(tx types.Transaction) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	c, merr := s.meter.Int64Counter("send_transaction")
	if merr != nil {
		s.logger.Warnf("failed to create send_transaction counter: %s", merr)
	}
	c.Add(ctx, 1)

	if err := s.pool.Add(&tx); err != nil {
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("failed to add transaction: %s", err))
	}
	return tx.Hash(), nil
}

// GetBlockByNumber returns the subnet block at the given height
func (s *SubnetEndpoints) GetBlockByNumber(height uint64) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	c, merr := s.meter.Int64Counter("get_block_by_number")
	if merr != nil {
		s.logger.Warnf("failed to create get_block_by_number counter: %s", merr)
	}
	c.Add(ctx, 1)

	block, err := s.store.GetBlock(height)
	if err != nil {
		if errors.Is(err, chainstate.ErrNotFound) {
			return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("block %d not found", height))
		}
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("failed to get block: %s", err))
	}
	return block, nil
}

// GetBlockByHash returns the subnet block with the given hash
func (s *SubnetEndpoints) GetBlockByHash(hash common.Hash) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	c, merr := s.meter.Int64Counter("get_block_by_hash")
	if merr != nil {
		s.logger.Warnf("failed to create get_block_by_hash counter: %s", merr)
	}
	c.Add(ctx, 1)

	block, err := s.store.GetBlockByHash(hash)
	if err != nil {
		if errors.Is(err, chainstate.ErrNotFound) {
			return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("block %s not found", hash))
		}
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("failed to get block: %s", err))
	}
	return block, nil
}

// GetWithdrawalProof returns the merkle proof needed to redeem a finalized
// withdrawal on L1
func (s *SubnetEndpoints) GetWithdrawalProof(nonce uint64) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	c, merr := s.meter.Int64Counter("get_withdrawal_proof")
	if merr != nil {
		s.logger.Warnf("failed to create get_withdrawal_proof counter: %s", merr)
	}
	c.Add(ctx, 1)

	proof, err := s.prover.Prove(ctx, nonce)
	if err != nil {
		switch {
		case errors.Is(err, prover.ErrUnknownNonce):
			return nil, rpc.NewRPCError(rpc.DefaultErrorCode, err.Error())
		case errors.Is(err, prover.ErrNotFinalized):
			return nil, rpc.NewRPCError(rpc.DefaultErrorCode, err.Error())
		default:
			return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("failed to build proof: %s", err))
		}
	}
	return proof, nil
}

// GetPegStatus returns the lifecycle status of a peg event
func (s *SubnetEndpoints) GetPegStatus(origin string, nonce uint64) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	c, merr := s.meter.Int64Counter("get_peg_status")
	if merr != nil {
		s.logger.Warnf("failed to create get_peg_status counter: %s", merr)
	}
	c.Add(ctx, 1)

	event, err := s.ledger.GetEvent(pegledger.Origin(origin), nonce)
	if err != nil {
		if errors.Is(err, pegledger.ErrNotFound) {
			return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("no %s peg event with nonce %d", origin, nonce))
		}
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("failed to get peg event: %s", err))
	}
	return PegStatus{
		Origin:       event.Origin,
		Nonce:        event.Nonce,
		Recipient:    event.Recipient,
		Amount:       event.Amount,
		Status:       event.Status,
		SubnetHeight: event.SubnetHeight,
		L1TxHash:     event.L1TxHash,
	}, nil
}

// GetCommitment returns the anchoring record for a subnet height
func (s *SubnetEndpoints) GetCommitment(height uint64) (interface{}, rpc.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
	defer cancel()

	c, merr := s.meter.Int64Counter("get_commitment")
	if merr != nil {
		s.logger.Warnf("failed to create get_commitment counter: %s", merr)
	}
	c.Add(ctx, 1)

	commitment, err := s.storage.GetByHeight(nil, height)
	if err != nil {
		if errors.Is(err, commitments.ErrNotFound) {
			return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("no commitment for height %d", height))
		}
		return nil, rpc.NewRPCError(rpc.DefaultErrorCode, fmt.Sprintf("failed to get commitment: %s", err))
	}
	return CommitmentInfo{
		SubnetHeight:    commitment.SubnetHeight,
		SubnetBlockHash: commitment.SubnetBlockHash,
		StateRoot:       commitment.StateRoot,
		Status:          commitment.Status,
		L1TxHash:        commitment.L1TxHash,
		L1BlockNum:      commitment.L1BlockNum,
	}, nil
}
