package sync

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/log"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
)

// L1Fetcher is the slice of the L1 client the downloader needs
type L1Fetcher interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethTypes.Header, error)
	GetBlock(ctx context.Context, blockNum uint64) (*l1client.L1Block, error)
}

// Downloader walks the L1 chain block by block from a given height and
// pushes each block, with its decoded subnet events, onto a channel.
// Blocks are always delivered in height order with no gaps. The tip is
// tracked under the configured finality tag, so a downloader set to
// FinalizedBlock never sees blocks a reorg could retract.
type Downloader struct {
	client                 L1Fetcher
	blockFinality          *big.Int
	waitForNewBlocksPeriod time.Duration
	rh                     *RetryHandler
	log                    *log.Logger
}

func NewDownloader(
	client L1Fetcher,
	blockFinalityType l1client.BlockNumberFinality,
	waitForNewBlocksPeriod time.Duration,
	retryAfterErrorPeriod time.Duration,
	maxRetryAttemptsAfterError int,
) (*Downloader, error) {
	finality, err := blockFinalityType.ToBlockNum()
	if err != nil {
		return nil, err
	}
	return &Downloader{
		client:                 client,
		blockFinality:          finality,
		waitForNewBlocksPeriod: waitForNewBlocksPeriod,
		rh: &RetryHandler{
			RetryAfterErrorPeriod:      retryAfterErrorPeriod,
			MaxRetryAttemptsAfterError: maxRetryAttemptsAfterError,
		},
		log: log.WithFields("module", "sync-downloader"),
	}, nil
}

// Download streams blocks from fromBlock onwards into downloadedCh until ctx
// is cancelled, at which point the channel is closed.
func (d *Downloader) Download(ctx context.Context, fromBlock uint64, downloadedCh chan Block) {
	for {
		select {
		case <-ctx.Done():
			d.log.Debug("closing channel")
			close(downloadedCh)
			return
		default:
		}
		lastBlock := d.WaitForNewBlocks(ctx, fromBlock)
		for fromBlock <= lastBlock {
			b, err := d.getBlock(ctx, fromBlock)
			if err != nil {
				// ctx cancelled mid-download
				d.log.Debug("closing channel")
				close(downloadedCh)
				return
			}
			downloadedCh <- b
			fromBlock++
		}
	}
}

// WaitForNewBlocks polls the L1 tip until it reaches or passes
// lastBlockSeen+1, then returns the tip height.
func (d *Downloader) WaitForNewBlocks(ctx context.Context, lastBlockSeen uint64) (newLastBlock uint64) {
	attempts := 0
	ticker := time.NewTicker(d.waitForNewBlocksPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Info("context cancelled")
			return lastBlockSeen
		case <-ticker.C:
			header, err := d.client.HeaderByNumber(ctx, d.blockFinality)
			if err != nil {
				if ctx.Err() == nil {
					attempts++
					d.log.Error("error getting last block num from L1: ", err)
					d.rh.Handle("waitForNewBlocks", attempts)
				}
				continue
			}
			attempts = 0
			if header.Number.Uint64() > lastBlockSeen {
				return header.Number.Uint64()
			}
		}
	}
}

func (d *Downloader) getBlock(ctx context.Context, blockNum uint64) (Block, error) {
	attempts := 0
	for {
		b, err := d.client.GetBlock(ctx, blockNum)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return Block{}, ctx.Err()
			}
			attempts++
			d.log.Errorf("error getting block %d from L1: %v", blockNum, err)
			d.rh.Handle("getBlock", attempts)
			continue
		}
		return Block{
			Num:         b.Num,
			Hash:        b.Hash,
			ParentHash:  b.ParentHash,
			Timestamp:   b.Timestamp,
			Deposits:    b.Deposits,
			Commitments: b.Commitments,
		}, nil
	}
}
