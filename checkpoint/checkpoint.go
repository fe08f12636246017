// Package checkpoint tracks the per (license, entity type, direction) sync
// cursor and decides between incremental and full resynchronization.
package checkpoint

import (
	"time"

	"github.com/Leafline/compliance-sync/checkpoint/model"
	"github.com/Leafline/compliance-sync/checkpoint/sqlmodel"
	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	ECode040101 = e.Code0401 + "01"
	ECode040102 = e.Code0401 + "02"
	ECode040103 = e.Code0401 + "03"
	ECode040104 = e.Code0401 + "04"
	ECode040105 = e.Code0401 + "05"
)

// GetOrCreate returns the checkpoint for the tuple, creating it lazily on
// the first sync attempt. A new checkpoint has no cursor, which forces a
// full sync on first use.
func GetOrCreate(db *sql.Connection, licenseID int,
	entityType, direction string) (c *model.Checkpoint, err error) {
	c = &model.Checkpoint{
		LicenseID:  licenseID,
		EntityType: entityType,
		Direction:  direction,
	}

	id, err := sqlmodel.CheckpointUpsert(db, c)
	if err != nil {
		return nil, e.W(err, ECode040101)
	}

	// Re-read so an already existing checkpoint returns its stored state
	c, err = sqlmodel.CheckpointGetByKey(db, licenseID, entityType, direction)
	if err != nil {
		return nil, e.W(err, ECode040102)
	}
	c.ID = id

	return c, nil
}

// RecordSuccess advances the cursor and persists the checkpoint
func RecordSuccess(db *sql.Connection, c *model.Checkpoint,
	syncTimestamp time.Time, lastExternalID string, itemCount int) (err error) {
	c.RecordSuccess(syncTimestamp, lastExternalID, itemCount)

	if err := sqlmodel.CheckpointSave(db, c); err != nil {
		return e.W(err, ECode040103)
	}

	return nil
}

// RecordFailure records a failed sweep without moving the cursor and
// persists the checkpoint
func RecordFailure(db *sql.Connection, c *model.Checkpoint, msg string) (err error) {
	c.RecordFailure(msg)

	if err := sqlmodel.CheckpointSave(db, c); err != nil {
		return e.W(err, ECode040104)
	}

	return nil
}

// Reset clears the cursor, forcing a full resync on the next run
func Reset(db *sql.Connection, licenseID int, entityType, direction string) (err error) {
	c, err := sqlmodel.CheckpointGetByKey(db, licenseID, entityType, direction)
	if err != nil {
		return e.W(err, ECode040105)
	}

	c.Reset()

	if err := sqlmodel.CheckpointSave(db, c); err != nil {
		return e.W(err, ECode040105)
	}

	return nil
}
