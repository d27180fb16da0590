package migrations

import (
	chainstateMigrations "github.com/PinkDiamond1/stacks-subnets/chainstate/migrations"
	commitmentsMigrations "github.com/PinkDiamond1/stacks-subnets/commitments/migrations"
	"github.com/PinkDiamond1/stacks-subnets/db"
	observerMigrations "github.com/PinkDiamond1/stacks-subnets/l1observer/migrations"
	pegledgerMigrations "github.com/PinkDiamond1/stacks-subnets/pegledger/migrations"
	treeMigrations "github.com/PinkDiamond1/stacks-subnets/tree/migrations"
	migrate "github.com/rubenv/sql-migrate"
)

// RunMigrations applies the full schema of the shared subnet sqlite file.
// Every opener of that file runs the same composed source, so the schema
// does not depend on which package opens the file first.
func RunMigrations(dbPath string) error {
	source := &migrate.MemoryMigrationSource{}
	for _, s := range []*migrate.MemoryMigrationSource{
		pegledgerMigrations.Migrations,
		chainstateMigrations.Migrations,
		treeMigrations.Migrations,
		commitmentsMigrations.Migrations,
		observerMigrations.Migrations,
	} {
		source.Migrations = append(source.Migrations, s.Migrations...)
	}
	return db.RunMigrations(dbPath, source)
}
