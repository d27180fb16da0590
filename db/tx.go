package db

import (
	"context"
	"database/sql"
)

// Tx is a sql transaction that can carry rollback callbacks. Writers that
// prime an in-memory cache inside the transaction register a callback to
// drop the cache if the transaction never lands.
type Tx struct {
	*sql.Tx
	rollbackCallbacks []func()
}

func NewTx(ctx context.Context, db *sql.DB) (*Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx}, nil
}

// AddRollbackCallback registers cb to run after a successful Rollback
func (t *Tx) AddRollbackCallback(cb func()) {
	t.rollbackCallbacks = append(t.rollbackCallbacks, cb)
}

func (t *Tx) Rollback() error {
	if err := t.Tx.Rollback(); err != nil {
		return err
	}
	for _, cb := range t.rollbackCallbacks {
		cb()
	}
	return nil
}
