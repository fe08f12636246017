package sqlmodel

import (
	"fmt"
	"strings"

	"github.com/Leafline/compliance-sync/checkpoint/model"
	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	CheckpointTableName     = "sync_checkpoint"
	CheckpointDefaultSortBy = "sync_checkpoint_id"

	ECode040301 = e.Code0403 + "01"
	ECode040302 = e.Code0403 + "02"
	ECode040303 = e.Code0403 + "03"
	ECode040304 = e.Code0403 + "04"
	ECode040305 = e.Code0403 + "05"
	ECode040306 = e.Code0403 + "06"
	ECode040307 = e.Code0403 + "07"
)

// CheckpointGetParam model
type CheckpointGetParam struct {
	Limit       *uint64
	ID          *int
	LicenseID   *int
	EntityType  *string
	Direction   *string
	FlagCount   bool
	DataHandler func(*model.Checkpoint) error
}

// CheckpointUpsert inserts the checkpoint if the (license, entity type,
// direction) tuple does not exist yet, otherwise returns the existing row id
func CheckpointUpsert(db *sql.Connection, input *model.Checkpoint) (id int, err error) {
	ib := db.Insert(CheckpointTableName).
		Columns(`sync_license_id, entity_type, sync_direction,
			last_external_id, last_item_count, last_error, consecutive_failures,
			created_on, updated_on`).
		Values(input.LicenseID, input.EntityType, input.Direction,
			input.LastExternalID, input.LastItemCount, input.LastError, input.ConsecutiveFailures,
			"now()", "now()").
		Suffix(`ON CONFLICT (sync_license_id, entity_type, sync_direction)
			DO UPDATE
			SET updated_on=now()
			RETURNING sync_checkpoint_id`)

	id, err = db.ExecInsertReturningID(ib)
	if err != nil {
		return 0, e.W(err, ECode040301)
	}

	return id, nil
}

// CheckpointSave persists the mutable checkpoint state
func CheckpointSave(db *sql.Connection, c *model.Checkpoint) (err error) {
	ub := db.Update(CheckpointTableName).
		Where("sync_checkpoint_id=?", c.ID).
		Set("last_sync_timestamp", c.LastSyncTimestamp).
		Set("last_external_id", c.LastExternalID).
		Set("last_item_count", c.LastItemCount).
		Set("last_success_at", c.LastSuccessAt).
		Set("last_failure_at", c.LastFailureAt).
		Set("last_error", c.LastError).
		Set("consecutive_failures", c.ConsecutiveFailures).
		Set("updated_on", "now()")

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode040302)
	}

	return nil
}

// CheckpointGet performs select
func CheckpointGet(db *sql.Connection,
	p *CheckpointGetParam) (cList []*model.Checkpoint, count int, err error) {
	fields := `sync_checkpoint_id, sync_license_id, entity_type, sync_direction,
		last_sync_timestamp, last_external_id, last_item_count,
		last_success_at, last_failure_at, last_error, consecutive_failures,
		created_on, updated_on`

	sb := db.Select("{fields}").
		From(CheckpointTableName)

	if p.Limit != nil && *p.Limit > 0 {
		sb = sb.Limit(*p.Limit)
	}

	if p.ID != nil && *p.ID >= 0 {
		sb = sb.Where("sync_checkpoint_id=?", *p.ID)
	}

	if p.LicenseID != nil && *p.LicenseID >= 0 {
		sb = sb.Where("sync_license_id=?", *p.LicenseID)
	}

	if p.EntityType != nil && len(*p.EntityType) > 0 {
		sb = sb.Where("entity_type=?", *p.EntityType)
	}

	if p.Direction != nil && len(*p.Direction) > 0 {
		sb = sb.Where("sync_direction=?", *p.Direction)
	}

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode040303)
	}

	if p.FlagCount {
		row := db.QueryRow(strings.Replace(stmt, "{fields}", "count(*)", 1), bindList...)
		if err := row.Scan(&count); err != nil {
			return nil, 0, e.W(err, ECode040304,
				fmt.Sprintf("stmt: %s, bindList: %+v", stmt, bindList))
		}
	}

	sb = sb.OrderBy(fmt.Sprintf("%s asc", CheckpointDefaultSortBy))

	stmt, bindList, err = sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode040303)
	}
	stmt = strings.Replace(stmt, "{fields}", fields, 1)
	rows, err := db.Query(stmt, bindList...)
	if err != nil {
		return nil, 0, e.W(err, ECode040305)
	}
	defer rows.Close()

	for rows.Next() {
		c := &model.Checkpoint{}
		if err := rows.Scan(&c.ID, &c.LicenseID, &c.EntityType, &c.Direction,
			&c.LastSyncTimestamp, &c.LastExternalID, &c.LastItemCount,
			&c.LastSuccessAt, &c.LastFailureAt, &c.LastError, &c.ConsecutiveFailures,
			&c.CreatedOn, &c.UpdatedOn); err != nil {
			return nil, 0, e.W(err, ECode040306)
		}

		if p.DataHandler != nil {
			if err := p.DataHandler(c); err != nil {
				return nil, 0, e.W(err, ECode040306)
			}
		} else {
			cList = append(cList, c)
		}
	}

	return cList, count, nil
}

// CheckpointGetByKey returns the checkpoint for the specified tuple
func CheckpointGetByKey(db *sql.Connection, licenseID int,
	entityType, direction string) (c *model.Checkpoint, err error) {
	limit := uint64(1)
	p := &CheckpointGetParam{
		Limit:      &limit,
		LicenseID:  &licenseID,
		EntityType: &entityType,
		Direction:  &direction,
	}

	cList, _, err := CheckpointGet(db, p)
	if err != nil {
		return nil, e.W(err, ECode040307)
	}

	if len(cList) == 0 {
		return nil, e.N(ECode040307, e.MsgCheckpointDoesNotExist)
	}

	return cList[0], nil
}
