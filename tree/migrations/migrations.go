package migrations

import (
	"strings"

	"github.com/PinkDiamond1/stacks-subnets/db"
	migrate "github.com/rubenv/sql-migrate"

	_ "embed"
)

const upDownSeparator = "-- +migrate Up"

//go:embed tree0001.sql
var mig001 string
var mig001splitted = strings.Split(mig001, upDownSeparator)

// Migrations is exported so packages embedding a tree in their own sqlite
// file can append it to their migration source
var Migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id:   "tree0001",
			Up:   []string{mig001splitted[1]},
			Down: []string{mig001splitted[0]},
		},
	},
}

func RunMigrations(dbPath string) error {
	return db.RunMigrations(dbPath, Migrations)
}
