package l1observer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/l1client"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/migrations"
	"github.com/PinkDiamond1/stacks-subnets/pegledger"
	"github.com/PinkDiamond1/stacks-subnets/sync"
)

const (
	reorgDetectorID = "l1observer"
	downloaderName  = "l1observer"
)

// ChainEvent is what the observer hands to the node loop: either a new,
// fully-decoded L1 block or a reorg. After a reorg the retracted range is
// re-delivered as fresh NewBlock events once the canonical chain is
// re-downloaded.
type ChainEvent struct {
	NewBlock *sync.Block
	Reorg    *ReorgEvent
}

// ReorgEvent announces that every L1 block from FirstReorged on was
// retracted, along with all deposits observed in them.
type ReorgEvent struct {
	FirstReorged uint64
	// FirstOrphanedSubnetHeight is the lowest subnet block that had applied
	// a retracted deposit, 0 if no applied deposit was retracted. Blocks
	// from this height on must be discarded.
	FirstOrphanedSubnetHeight uint64
}

// Observer tails the L1 chain, records qualifying deposits in the peg
// ledger and forwards every block (with its commitment events) to the node
// loop. It implements the sync driver's processor contract.
type Observer struct {
	driver *sync.Driver
	proc   *processor
	log    *log.Logger
}

func New(
	ctx context.Context,
	cfg Config,
	l1Client *l1client.Client,
	rd sync.ReorgDetector,
	ledger *pegledger.Ledger,
) (*Observer, error) {
	if err := migrations.RunMigrations(cfg.DBPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	proc := &processor{
		db:           database,
		ledger:       ledger,
		initialBlock: cfg.InitialBlock,
		events:       make(chan ChainEvent, cfg.EventBufferSize),
		log:          log.WithFields("module", downloaderName),
	}
	rh := &sync.RetryHandler{
		RetryAfterErrorPeriod:      cfg.RetryAfterErrorPeriod.Duration,
		MaxRetryAttemptsAfterError: cfg.MaxRetryAttemptsAfterError,
	}
	downloader, err := sync.NewDownloader(
		l1Client,
		l1client.BlockNumberFinality(cfg.BlockFinality),
		cfg.WaitForNewBlocksPeriod.Duration,
		cfg.RetryAfterErrorPeriod.Duration,
		cfg.MaxRetryAttemptsAfterError,
	)
	if err != nil {
		return nil, err
	}
	driver, err := sync.NewDriver(rd, proc, downloader, reorgDetectorID, cfg.DownloadBufferSize, rh)
	if err != nil {
		return nil, err
	}
	return &Observer{
		driver: driver,
		proc:   proc,
		log:    proc.log,
	}, nil
}

// Start runs the observer until ctx is done
func (o *Observer) Start(ctx context.Context) {
	o.driver.Sync(ctx)
}

// Events is the stream consumed by the node loop
func (o *Observer) Events() <-chan ChainEvent {
	return o.proc.events
}

// processor applies downloaded L1 blocks: deposits go to the peg ledger and
// the block is forwarded on the event channel. The ledger write and the
// observation progress row commit in one transaction on the shared file.
type processor struct {
	db           *sql.DB
	ledger       *pegledger.Ledger
	initialBlock uint64
	events       chan ChainEvent
	log          *log.Logger
}

func (p *processor) GetLastProcessedBlock(ctx context.Context) (uint64, error) {
	var num uint64
	row := p.db.QueryRow("SELECT COALESCE(MAX(num), 0) FROM observed_l1_block;")
	if err := row.Scan(&num); err != nil {
		return 0, err
	}
	if num == 0 {
		return p.initialBlock, nil
	}
	return num, nil
}

func (p *processor) ProcessBlock(ctx context.Context, block sync.Block) error {
	tx, err := db.NewTx(ctx, p.db)
	if err != nil {
		return err
	}
	shouldRollback := true
	defer func() {
		if shouldRollback {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				p.log.Errorf("error while rolling back tx %v", errRllbck)
			}
		}
	}()

	if _, err := tx.Exec(
		"INSERT INTO observed_l1_block (num, hash) VALUES ($1, $2);",
		block.Num, block.Hash.Hex(),
	); err != nil {
		return err
	}
	for _, d := range block.Deposits {
		if err := p.ledger.RecordDeposit(
			tx, d.Recipient, d.Amount, d.Nonce, d.L1Height, d.TxHash,
		); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	shouldRollback = false

	if len(block.Deposits) > 0 {
		p.log.Infof("observed %d deposits in L1 block %d", len(block.Deposits), block.Num)
	}
	select {
	case p.events <- ChainEvent{NewBlock: &block}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (p *processor) Reorg(ctx context.Context, firstReorgedBlock uint64) error {
	tx, err := db.NewTx(ctx, p.db)
	if err != nil {
		return err
	}
	shouldRollback := true
	defer func() {
		if shouldRollback {
			if errRllbck := tx.Rollback(); errRllbck != nil {
				p.log.Errorf("error while rolling back tx %v", errRllbck)
			}
		}
	}()

	if _, err := tx.Exec(
		"DELETE FROM observed_l1_block WHERE num >= $1;", firstReorgedBlock,
	); err != nil {
		return err
	}
	firstOrphaned, err := p.ledger.RetractFromL1Height(tx, firstReorgedBlock)
	if err != nil {
		if errors.Is(err, pegledger.ErrCannotRetractFinalized) {
			// a finalized deposit cannot be unwound, the node must halt
			log.Fatalf("l1observer: reorg from block %d: %v", firstReorgedBlock, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	shouldRollback = false

	select {
	case p.events <- ChainEvent{Reorg: &ReorgEvent{
		FirstReorged:              firstReorgedBlock,
		FirstOrphanedSubnetHeight: firstOrphaned,
	}}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
