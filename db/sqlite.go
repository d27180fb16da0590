package db

import (
	"database/sql"
	"errors"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// UniqueConstrain is the error code returned by sqlite when a unique
	// constraint is violated
	UniqueConstrain = 1555
)

var (
	// ErrNotFound is returned when a record is not found on the DB
	ErrNotFound = errors.New("not found")
)

// NewSQLiteDB creates a new SQLite DB
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}
	// busy_timeout covers the shared subnet file: several packages hold
	// their own handle on it and writers may collide under WAL
	_, err = db.Exec(`
		PRAGMA foreign_keys = ON;
		pragma journal_mode = WAL;
		pragma synchronous = normal;
		pragma journal_size_limit  = 6144000;
		pragma busy_timeout = 5000;
	`)
	return db, err
}

// ReturnErrNotFound maps sql.ErrNoRows to ErrNotFound
func ReturnErrNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
