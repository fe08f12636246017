// Package migration provides automatic database migration capabilities.
// Each domain package embeds its own db/migrations/*.sql files and exposes
// a GetMigrationList func. Basic usage:
//
//	migrator, _ := migration.NewMigrator(db)
//	_ = migrator.AddMigrationList(license.GetMigrationList())
//	_ = migrator.AddMigrationList(checkpoint.GetMigrationList())
//	_ = migrator.AddMigrationList(queue.GetMigrationList())
//	_ = migrator.Upgrade()
package migration

import "time"

const (
	// MIGRATION_PATH the path within each package's embedded FS that holds
	// the migration files
	MIGRATION_PATH = "db/migrations"

	MIGRATION_STATUS_PENDING   = "pending"
	MIGRATION_STATUS_COMPLETED = "completed"
	MIGRATION_STATUS_FAILED    = "failed"
)

// Migration a single applied (or attempted) migration file for a code
type Migration struct {
	ID        int
	Code      string
	Version   int
	Status    string
	SQL       string
	Err       string
	CreatedOn time.Time
	UpdatedOn time.Time
}
