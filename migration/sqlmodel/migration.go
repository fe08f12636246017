package sqlmodel

import (
	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	MigrationTableName = "sync_migration"

	ECode020401 = e.Code0204 + "01"
	ECode020402 = e.Code0204 + "02"
	ECode020403 = e.Code0204 + "03"
)

// MigrationInsertParam insert params
type MigrationInsertParam struct {
	Code    string
	Version int
	Status  string
	SQL     string
	Err     string
}

// MigrationTableEnsure creates the migration tracking table if it does not
// exist yet. The migrator itself cannot rely on migrations to create it.
func MigrationTableEnsure(db *sql.Connection) (err error) {
	stmt := `CREATE TABLE IF NOT EXISTS ` + MigrationTableName + ` (
		sync_migration_id serial PRIMARY KEY,
		sync_migration_code text NOT NULL,
		sync_migration_version int NOT NULL,
		sync_migration_status text NOT NULL,
		sync_migration_sql text NOT NULL DEFAULT '',
		sync_migration_err text NOT NULL DEFAULT '',
		created_on timestamptz NOT NULL DEFAULT now(),
		updated_on timestamptz NOT NULL DEFAULT now()
	)`

	if _, err := db.Exec(stmt); err != nil {
		return e.W(err, ECode020401)
	}

	return nil
}

// MigrationInsert performs insert
func MigrationInsert(db *sql.Connection, ip *MigrationInsertParam) (id int, err error) {
	ib := db.Insert(MigrationTableName).
		Columns(`sync_migration_code, sync_migration_version,
			sync_migration_status, sync_migration_sql, sync_migration_err,
			created_on, updated_on`).
		Values(ip.Code, ip.Version,
			ip.Status, ip.SQL, ip.Err,
			"now()", "now()").
		Suffix("RETURNING sync_migration_id")

	id, err = db.ExecInsertReturningID(ib)
	if err != nil {
		return 0, e.W(err, ECode020402)
	}

	return id, nil
}

// MigrationGetLatestVersion returns the highest completed version for the
// specified code, or 0 if none have been applied yet
func MigrationGetLatestVersion(db *sql.Connection, code string) (v int, err error) {
	sb := db.Select("coalesce(max(sync_migration_version), 0)").
		From(MigrationTableName).
		Where("sync_migration_code=?", code).
		Where("sync_migration_status=?", "completed")

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return 0, e.W(err, ECode020403)
	}

	if err := db.QueryRow(stmt, bindList...).Scan(&v); err != nil {
		return 0, e.W(err, ECode020403)
	}

	return v, nil
}
