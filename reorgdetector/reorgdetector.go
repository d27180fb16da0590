package reorgdetector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/reorgdetector/migrations"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNotSubscribed = errors.New("id not found in subscriptions")
	// ErrReorgTooDeep means the L1 chain retracted more blocks than
	// MaxReorgDepth allows. The node cannot recover on its own.
	ErrReorgTooDeep = errors.New("reorg deeper than max reorg depth")
)

type EthClient interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ReorgDetector periodically compares the blocks its subscribers have
// reported against the canonical L1 chain. On a mismatch it notifies every
// subscriber tracking an affected block and waits for each to finish
// rewinding before resuming checks.
type ReorgDetector struct {
	client             EthClient
	db                 *sql.DB
	checkReorgInterval time.Duration
	maxReorgDepth      uint64

	trackedBlocksLock sync.RWMutex
	trackedBlocks     map[string]*headersList

	subscriptionsLock sync.RWMutex
	subscriptions     map[string]*Subscription
}

func New(client EthClient, cfg Config) (*ReorgDetector, error) {
	err := migrations.RunMigrations(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	return &ReorgDetector{
		client:             client,
		db:                 database,
		checkReorgInterval: cfg.CheckReorgsInterval.Duration,
		maxReorgDepth:      cfg.MaxReorgDepth,
		trackedBlocks:      make(map[string]*headersList),
		subscriptions:      make(map[string]*Subscription),
	}, nil
}

// Start loads the persisted tracked blocks and begins the periodic reorg
// checks. It blocks until ctx is done.
func (rd *ReorgDetector) Start(ctx context.Context) error {
	if err := rd.loadTrackedHeaders(); err != nil {
		return err
	}

	ticker := time.NewTicker(rd.checkReorgInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := rd.detectReorgs(ctx); err != nil {
				if errors.Is(err, ErrReorgTooDeep) {
					log.Fatalf("reorg detector: %v", err)
				}
				log.Errorf("reorg detector: error checking reorgs: %v", err)
			}
		}
	}
}

// AddBlockToTrack registers a block a subscriber has processed. If a reorg
// affecting this subscriber is currently being handled, the call waits until
// the rewind is acknowledged.
func (rd *ReorgDetector) AddBlockToTrack(ctx context.Context, id string, num uint64, hash common.Hash) error {
	rd.subscriptionsLock.RLock()
	sub, ok := rd.subscriptions[id]
	rd.subscriptionsLock.RUnlock()
	if !ok {
		return ErrNotSubscribed
	}
	sub.pendingReorgsToBeProcessed.Wait()

	hdr := header{Num: num, Hash: hash}
	rd.getTrackedBlocks(id).add(hdr)
	return rd.saveTrackedBlock(id, hdr)
}

func (rd *ReorgDetector) getTrackedBlocks(id string) *headersList {
	rd.trackedBlocksLock.Lock()
	defer rd.trackedBlocksLock.Unlock()
	hl, ok := rd.trackedBlocks[id]
	if !ok {
		hl = newHeadersList()
		rd.trackedBlocks[id] = hl
	}
	return hl
}

func (rd *ReorgDetector) detectReorgs(ctx context.Context) error {
	rd.subscriptionsLock.RLock()
	ids := make([]string, 0, len(rd.subscriptions))
	for id := range rd.subscriptions {
		ids = append(ids, id)
	}
	rd.subscriptionsLock.RUnlock()

	// canonical headers fetched once per check, shared across subscribers
	canonical := make(map[uint64]common.Hash)
	for _, id := range ids {
		hl := rd.getTrackedBlocks(id)
		sorted := hl.getSorted()
		if len(sorted) == 0 {
			continue
		}
		lastTracked := sorted[len(sorted)-1].Num
		for _, hdr := range sorted {
			actualHash, ok := canonical[hdr.Num]
			if !ok {
				actualHeader, err := rd.client.HeaderByNumber(ctx, new(big.Int).SetUint64(hdr.Num))
				if err != nil {
					return fmt.Errorf("error getting header %d: %w", hdr.Num, err)
				}
				actualHash = actualHeader.Hash()
				canonical[hdr.Num] = actualHash
			}
			if actualHash == hdr.Hash {
				continue
			}
			depth := lastTracked - hdr.Num + 1
			if depth > rd.maxReorgDepth {
				return fmt.Errorf("%w: %d tracked blocks retracted from %d, max is %d",
					ErrReorgTooDeep, depth, hdr.Num, rd.maxReorgDepth)
			}
			log.Warnf("reorg detected for subscriber %s: first reorged block %d (depth %d)",
				id, hdr.Num, depth)
			if err := rd.notifyReorgToSubscriber(id, hdr.Num, lastTracked); err != nil {
				return err
			}
			break
		}
	}
	return nil
}

// notifyReorgToSubscriber blocks until the subscriber acknowledges the
// rewind, then drops the retracted blocks from tracking.
func (rd *ReorgDetector) notifyReorgToSubscriber(id string, firstReorgedBlock, lastTracked uint64) error {
	rd.subscriptionsLock.RLock()
	sub := rd.subscriptions[id]
	rd.subscriptionsLock.RUnlock()

	sub.pendingReorgsToBeProcessed.Add(1)
	defer sub.pendingReorgsToBeProcessed.Done()

	sub.FirstReorgedBlock <- firstReorgedBlock
	<-sub.ReorgProcessed

	rd.getTrackedBlocks(id).removeRange(firstReorgedBlock, lastTracked)
	return rd.removeTrackedBlockRange(id, firstReorgedBlock, lastTracked)
}
