package commitments

import (
	"database/sql"
	"errors"

	"github.com/PinkDiamond1/stacks-subnets/db"
	"github.com/PinkDiamond1/stacks-subnets/migrations"
	"github.com/russross/meddler"
)

// Storage persists the per-height commitment records in the shared sqlite
// file, so commitment status changes and peg event finalization commit
// together.
type Storage struct {
	db *sql.DB
}

func NewStorage(dbPath string) (*Storage, error) {
	if err := migrations.RunMigrations(dbPath); err != nil {
		return nil, err
	}
	database, err := db.NewSQLiteDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Storage{db: database}, nil
}

// DB exposes the underlying handle so the coordinator can open transactions
// spanning commitments and peg events
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Save inserts or replaces the commitment record for its subnet height
func (s *Storage) Save(tx db.Querier, c *Commitment) error {
	if tx == nil {
		tx = s.db
	}
	_, err := tx.Exec("DELETE FROM commitment WHERE subnet_height = $1;", c.SubnetHeight)
	if err != nil {
		return err
	}
	return meddler.Insert(tx, "commitment", c)
}

// GetByHeight returns the commitment record for a subnet height
func (s *Storage) GetByHeight(tx db.Querier, height uint64) (*Commitment, error) {
	if tx == nil {
		tx = s.db
	}
	var c Commitment
	err := meddler.QueryRow(tx, &c, "SELECT * FROM commitment WHERE subnet_height = $1;", height)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpdateStatus changes the status of a height's commitment
func (s *Storage) UpdateStatus(tx db.Querier, height uint64, status Status) error {
	if tx == nil {
		tx = s.db
	}
	_, err := tx.Exec(
		"UPDATE commitment SET status = $1 WHERE subnet_height = $2;",
		string(status), height,
	)
	return err
}

// LastCommittedHeight returns the highest subnet height with a commitment
// that is not orphaned, or 0 if there is none.
func (s *Storage) LastCommittedHeight(tx db.Querier) (uint64, error) {
	if tx == nil {
		tx = s.db
	}
	var height uint64
	row := tx.QueryRow(
		"SELECT COALESCE(MAX(subnet_height), 0) FROM commitment WHERE status != $1;",
		string(StatusOrphaned),
	)
	if err := row.Scan(&height); err != nil {
		return 0, err
	}
	return height, nil
}

// LastConfirmedHeight returns the highest subnet height whose commitment
// gathered its required confirmations, or 0 if there is none.
func (s *Storage) LastConfirmedHeight(tx db.Querier) (uint64, error) {
	if tx == nil {
		tx = s.db
	}
	var height uint64
	row := tx.QueryRow(
		"SELECT COALESCE(MAX(subnet_height), 0) FROM commitment WHERE status = $1;",
		string(StatusConfirmed),
	)
	if err := row.Scan(&height); err != nil {
		return 0, err
	}
	return height, nil
}

// Unconfirmed lists the commitments still waiting for inclusion or
// confirmations, lowest subnet height first
func (s *Storage) Unconfirmed(tx db.Querier) ([]*Commitment, error) {
	if tx == nil {
		tx = s.db
	}
	var cs []*Commitment
	err := meddler.QueryAll(tx, &cs,
		"SELECT * FROM commitment WHERE status = $1 ORDER BY subnet_height ASC;",
		string(StatusSubmitted),
	)
	if err != nil {
		return nil, err
	}
	return cs, nil
}

// ReorgedFrom lists the non-orphaned commitments included at or above the
// given L1 height
func (s *Storage) ReorgedFrom(tx db.Querier, firstReorgedL1Block uint64) ([]*Commitment, error) {
	if tx == nil {
		tx = s.db
	}
	var cs []*Commitment
	err := meddler.QueryAll(tx, &cs,
		"SELECT * FROM commitment WHERE status != $1 AND l1_block_num >= $2 ORDER BY subnet_height ASC;",
		string(StatusOrphaned), firstReorgedL1Block,
	)
	if err != nil {
		return nil, err
	}
	return cs, nil
}
