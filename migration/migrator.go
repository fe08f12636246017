package migration

import (
	"github.com/rs/zerolog/log"

	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/migration/sqlmodel"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	ECode020201 = e.Code0202 + "01"
	ECode020202 = e.Code0202 + "02"
	ECode020203 = e.Code0202 + "03"
	ECode020204 = e.Code0202 + "04"
	ECode020205 = e.Code0202 + "05"
	ECode020206 = e.Code0202 + "06"
)

// Migrator applies the registered migration lists in order
type Migrator struct {
	db         *sql.Connection
	migrations []*List
}

// NewMigrator initializes a new migrator, ensuring the migration tracking
// table exists
func NewMigrator(db *sql.Connection) (m *Migrator, err error) {
	if err := sqlmodel.MigrationTableEnsure(db); err != nil {
		return nil, e.W(err, ECode020201)
	}

	return &Migrator{
		db: db,
	}, nil
}

// AddMigrationList adds a migration list to the migrator. Only files newer
// than the latest completed version for the list's code will be applied.
func (m *Migrator) AddMigrationList(ml *List) (err error) {
	v, err := sqlmodel.MigrationGetLatestVersion(m.db, ml.code)
	if err != nil {
		return e.W(err, ECode020202)
	}

	ml.files, err = ml.getFilesAfter(v)
	if err != nil {
		return e.W(err, ECode020203)
	}

	m.migrations = append(m.migrations, ml)
	return nil
}

// Upgrade applies all pending migration files of all registered lists. Each
// file runs in its own transaction and is recorded with its outcome. The
// first failure aborts the upgrade.
func (m *Migrator) Upgrade() (err error) {
	for _, ml := range m.migrations {
		for _, f := range ml.files {
			if err := m.apply(ml, f); err != nil {
				return e.W(err, ECode020204)
			}

			log.Info().Msgf("migrated %s to version %d (%s)",
				ml.code, f.Version, f.Name)
		}
	}

	return nil
}

func (m *Migrator) apply(ml *List, f *File) (err error) {
	tx, err := m.db.BeginReturnDB()
	if err != nil {
		return e.W(err, ECode020205)
	}
	defer tx.RollbackIfInTxn()

	if _, err := tx.Exec(string(f.SQL)); err != nil {
		// Record the failure outside the (now broken) transaction
		if _, err2 := sqlmodel.MigrationInsert(m.db, &sqlmodel.MigrationInsertParam{
			Code:    ml.code,
			Version: f.Version,
			Status:  MIGRATION_STATUS_FAILED,
			SQL:     string(f.SQL),
			Err:     err.Error(),
		}); err2 != nil {
			log.Warn().Err(err2).Msgf("failed to record migration failure for %s v%d",
				ml.code, f.Version)
		}

		return e.W(err, ECode020206, f.Name)
	}

	if _, err := sqlmodel.MigrationInsert(tx, &sqlmodel.MigrationInsertParam{
		Code:    ml.code,
		Version: f.Version,
		Status:  MIGRATION_STATUS_COMPLETED,
		SQL:     string(f.SQL),
	}); err != nil {
		return e.W(err, ECode020206)
	}

	if err := tx.Commit(); err != nil {
		return e.W(err, ECode020206)
	}

	return nil
}
