package pegledger

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/log"
	"github.com/PinkDiamond1/stacks-subnets/migrations"
	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

// Ledger is the durable record of every deposit and withdrawal, keyed by
// (origin, nonce). Writes that must be atomic with other tables sharing the
// sqlite file (blocks, tree roots) take a db.Querier so the caller can pass
// its own transaction; the non-tx variants run on the ledger's own handle.
type Ledger struct {
	db  *sql.DB
	log *log.Logger
}

func NewLedger(dbPath string) (*Ledger, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		db:  database,
		log: log.WithFields("module", "pegledger"),
	}, nil
}

// q resolves the querier: callers inside a cross-table transaction pass it
// in, everyone else gets the ledger's own handle.
func (l *Ledger) q(tx db.Querier) db.Querier {
	if tx == nil {
		return l.db
	}
	return tx
}

// RecordDeposit inserts an L1-originated event with status observed.
// Re-recording the same nonce returns ErrDuplicateNonce.
func (l *Ledger) RecordDeposit(tx db.Querier, recipient common.Address, amount *big.Int, nonce, l1Height uint64, l1TxHash common.Hash) error {
	tx = l.q(tx)
	e := &Event{
		Origin:    OriginL1,
		Nonce:     nonce,
		Recipient: recipient,
		Amount:    amount,
		Status:    StatusObserved,
		L1Height:  l1Height,
		L1TxHash:  l1TxHash,
	}
	return l.insert(tx, e)
}

// RecordWithdrawal inserts a subnet-originated event, already applied since
// withdrawals only exist once a block executed them. leafIndex is the
// event's position in the withdrawal tree.
func (l *Ledger) RecordWithdrawal(tx db.Querier, recipient common.Address, amount *big.Int, nonce, subnetHeight uint64, leafIndex uint32) error {
	tx = l.q(tx)
	e := &Event{
		Origin:       OriginSubnet,
		Nonce:        nonce,
		Recipient:    recipient,
		Amount:       amount,
		Status:       StatusApplied,
		SubnetHeight: subnetHeight,
		LeafIndex:    leafIndex,
	}
	return l.insert(tx, e)
}

func (l *Ledger) insert(tx db.Querier, e *Event) error {
	if err := meddler.Insert(tx, "peg_event", e); err != nil {
		if sqliteErr, ok := db.SQLiteErr(err); ok {
			if sqliteErr.ExtendedCode == db.UniqueConstrain {
				return fmt.Errorf("%w: origin %s nonce %d", ErrDuplicateNonce, e.Origin, e.Nonce)
			}
		}
		return err
	}
	l.log.Debugf("recorded %s peg event nonce %d amount %s", e.Origin, e.Nonce, e.Amount.String())
	return nil
}

// GetEvent returns the event for (origin, nonce) or ErrNotFound
func (l *Ledger) GetEvent(origin Origin, nonce uint64) (*Event, error) {
	return l.getEvent(l.db, origin, nonce)
}

func (l *Ledger) getEvent(tx db.Querier, origin Origin, nonce uint64) (*Event, error) {
	var e Event
	err := meddler.QueryRow(tx, &e,
		"SELECT * FROM peg_event WHERE origin = $1 AND nonce = $2;",
		string(origin), nonce,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// MarkApplied moves an observed event to applied, recording the subnet block
// that included it. Any other starting status is an invalid transition.
func (l *Ledger) MarkApplied(tx db.Querier, origin Origin, nonce, subnetHeight uint64) error {
	tx = l.q(tx)
	return l.transition(tx, origin, nonce, StatusObserved, StatusApplied, subnetHeight)
}

// MarkFinalizedForHeight finalizes every applied event whose containing
// subnet block is at or below the given height. Called when a commitment
// gains its required confirmations.
func (l *Ledger) MarkFinalizedForHeight(tx db.Querier, subnetHeight uint64) error {
	tx = l.q(tx)
	_, err := tx.Exec(
		"UPDATE peg_event SET status = $1 WHERE status = $2 AND subnet_height > 0 AND subnet_height <= $3;",
		string(StatusFinalized), string(StatusApplied), subnetHeight,
	)
	return err
}

func (l *Ledger) transition(tx db.Querier, origin Origin, nonce uint64, from, to Status, subnetHeight uint64) error {
	e, err := l.getEvent(tx, origin, nonce)
	if err != nil {
		return err
	}
	if e.Status != from {
		return fmt.Errorf("%w: %s nonce %d is %s, expected %s",
			ErrInvalidTransition, origin, nonce, e.Status, from)
	}
	_, err = tx.Exec(
		"UPDATE peg_event SET status = $1, subnet_height = $2 WHERE origin = $3 AND nonce = $4;",
		string(to), subnetHeight, string(origin), nonce,
	)
	return err
}

// PendingDeposits returns the observed deposits in canonical application
// order: ascending L1 height, then ascending nonce.
func (l *Ledger) PendingDeposits() ([]*Event, error) {
	var events []*Event
	err := meddler.QueryAll(l.db, &events,
		"SELECT * FROM peg_event WHERE origin = $1 AND status = $2 ORDER BY l1_height ASC, nonce ASC;",
		string(OriginL1), string(StatusObserved),
	)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// EventsBySubnetHeight returns the events applied in the given subnet block
func (l *Ledger) EventsBySubnetHeight(subnetHeight uint64) ([]*Event, error) {
	var events []*Event
	err := meddler.QueryAll(l.db, &events,
		"SELECT * FROM peg_event WHERE subnet_height = $1 ORDER BY origin ASC, nonce ASC;",
		subnetHeight,
	)
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Retract removes an observed or applied deposit after its L1 origin block
// was reorged away. Retracting a finalized event is unrecoverable and
// returns ErrCannotRetractFinalized.
func (l *Ledger) Retract(tx db.Querier, origin Origin, nonce uint64) error {
	tx = l.q(tx)
	e, err := l.getEvent(tx, origin, nonce)
	if err != nil {
		return err
	}
	if e.Status == StatusFinalized {
		return fmt.Errorf("%w: %s nonce %d", ErrCannotRetractFinalized, origin, nonce)
	}
	_, err = tx.Exec(
		"DELETE FROM peg_event WHERE origin = $1 AND nonce = $2;",
		string(origin), nonce,
	)
	if err == nil {
		l.log.Warnf("retracted %s peg event nonce %d", origin, nonce)
	}
	return err
}

// RetractFromL1Height retracts every deposit observed at or above the given
// L1 height. Used when handling an L1 reorg. It returns the lowest subnet
// height that had applied one of the retracted deposits (0 if none was
// applied yet) so the caller can orphan the affected subnet blocks.
func (l *Ledger) RetractFromL1Height(tx db.Querier, firstReorgedL1Height uint64) (uint64, error) {
	tx = l.q(tx)
	var events []*Event
	err := meddler.QueryAll(tx, &events,
		"SELECT * FROM peg_event WHERE origin = $1 AND l1_height >= $2;",
		string(OriginL1), firstReorgedL1Height,
	)
	if err != nil {
		return 0, err
	}
	var firstOrphaned uint64
	for _, e := range events {
		if e.SubnetHeight > 0 && (firstOrphaned == 0 || e.SubnetHeight < firstOrphaned) {
			firstOrphaned = e.SubnetHeight
		}
		if err := l.Retract(tx, e.Origin, e.Nonce); err != nil {
			return 0, err
		}
	}
	return firstOrphaned, nil
}

// RollbackSubnetHeight moves events applied at or above the given subnet
// height back to their pre-application status: deposits return to observed,
// withdrawals are deleted since the block that created them no longer
// exists. Finalized events are never touched; the caller must not rollback
// finalized heights.
func (l *Ledger) RollbackSubnetHeight(tx db.Querier, firstOrphanedHeight uint64) error {
	tx = l.q(tx)
	_, err := tx.Exec(
		"UPDATE peg_event SET status = $1, subnet_height = 0 WHERE origin = $2 AND status = $3 AND subnet_height >= $4;",
		string(StatusObserved), string(OriginL1), string(StatusApplied), firstOrphanedHeight,
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"DELETE FROM peg_event WHERE origin = $1 AND status = $2 AND subnet_height >= $3;",
		string(OriginSubnet), string(StatusApplied), firstOrphanedHeight,
	)
	return err
}
