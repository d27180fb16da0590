package sync

import (
	"context"
	"errors"

	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/reorgdetector"
)

type downloaderFull interface {
	Download(ctx context.Context, fromBlock uint64, downloadedCh chan Block)
}

// Driver glues a downloader, a processor and the reorg detector together.
// It delivers blocks in order, hands reorgs to the processor and restarts
// the download from the processor's last applied block after each reorg.
type Driver struct {
	reorgDetector      ReorgDetector
	reorgSub           *reorgdetector.Subscription
	processor          Processor
	downloader         downloaderFull
	reorgDetectorID    string
	downloadBufferSize int
	rh                 *RetryHandler
	log                *log.Logger
}

func NewDriver(
	reorgDetector ReorgDetector,
	processor Processor,
	downloader downloaderFull,
	reorgDetectorID string,
	downloadBufferSize int,
	rh *RetryHandler,
) (*Driver, error) {
	reorgSub, err := reorgDetector.Subscribe(reorgDetectorID)
	if err != nil {
		return nil, err
	}
	return &Driver{
		reorgDetector:      reorgDetector,
		reorgSub:           reorgSub,
		processor:          processor,
		downloader:         downloader,
		reorgDetectorID:    reorgDetectorID,
		downloadBufferSize: downloadBufferSize,
		rh:                 rh,
		log:                log.WithFields("syncer", reorgDetectorID),
	}, nil
}

func (d *Driver) Sync(ctx context.Context) {
reset:
	var (
		lastProcessedBlock uint64
		attempts           int
		err                error
	)
	for {
		lastProcessedBlock, err = d.processor.GetLastProcessedBlock(ctx)
		if err != nil {
			attempts++
			d.log.Error("error getting last processed block: ", err)
			d.rh.Handle("Sync", attempts)
			continue
		}
		break
	}
	cancellableCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.log.Infof("syncing from block %d", lastProcessedBlock+1)
	downloadCh := make(chan Block, d.downloadBufferSize)
	go d.downloader.Download(cancellableCtx, lastProcessedBlock+1, downloadCh)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("sync stopped due to context done")
			cancel()
			return
		case b, ok := <-downloadCh:
			if ok {
				d.log.Debugf("handleNewBlock, blockNum: %d, blockHash: %s", b.Num, b.Hash)
				d.handleNewBlock(ctx, cancellableCtx, b)
			}
		case firstReorgedBlock := <-d.reorgSub.FirstReorgedBlock:
			d.log.Debug("handleReorg from block: ", firstReorgedBlock)
			d.handleReorg(ctx, cancel, firstReorgedBlock)
			goto reset
		}
	}
}

func (d *Driver) handleNewBlock(ctx context.Context, cancellableCtx context.Context, b Block) {
	attempts := 0
	succeed := false
	for {
		select {
		case <-cancellableCtx.Done():
			// swallow the block; a reorg reset is in progress
			return
		default:
		}
		err := d.reorgDetector.AddBlockToTrack(ctx, d.reorgDetectorID, b.Num, b.Hash)
		if err != nil {
			attempts++
			d.log.Errorf("error adding block %d to tracker: %v", b.Num, err)
			d.rh.Handle("handleNewBlock", attempts)
		} else {
			succeed = true
		}
		if succeed {
			break
		}
	}
	attempts = 0
	for {
		select {
		case <-cancellableCtx.Done():
			return
		default:
		}
		err := d.processor.ProcessBlock(ctx, b)
		if err != nil {
			if errors.Is(err, ErrInconsistentState) {
				d.log.Warn("state got inconsistent after processing this block. Stopping processing until there is a reorg")
				<-d.reorgSub.FirstReorgedBlock
				d.reorgSub.ReorgProcessed <- true
				return
			}
			attempts++
			d.log.Errorf("error processing events for block %d, err: %v", b.Num, err)
			d.rh.Handle("handleNewBlock", attempts)
			continue
		}
		break
	}
}

func (d *Driver) handleReorg(ctx context.Context, cancel context.CancelFunc, firstReorgedBlock uint64) {
	// stop the download and drain whatever is in flight before rewinding
	cancel()
	attempts := 0
	for {
		err := d.processor.Reorg(ctx, firstReorgedBlock)
		if err != nil {
			attempts++
			d.log.Errorf("error processing reorg, attempt %d, err: %v", attempts, err)
			d.rh.Handle("handleReorg", attempts)
			continue
		}
		break
	}
	d.reorgSub.ReorgProcessed <- true
}
