package migrations

import (
	"strings"

	migrate "github.com/rubenv/sql-migrate"

	_ "embed"
)

const upDownSeparator = "-- +migrate Up"

//go:embed chainstate0001.sql
var mig001 string
var mig001splitted = strings.Split(mig001, upDownSeparator)

// Migrations is composed with the other tables of the shared subnet sqlite
// file into the single source the openers run
var Migrations = &migrate.MemoryMigrationSource{
	Migrations: []*migrate.Migration{
		{
			Id:   "chainstate0001",
			Up:   []string{mig001splitted[1]},
			Down: []string{mig001splitted[0]},
		},
	},
}
