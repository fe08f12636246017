package sqlmodel

import (
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/queue/model"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	SyncJobTableName     = "sync_job"
	SyncJobDefaultSortBy = "sync_job_id"

	ECode050501 = e.Code0505 + "01"
	ECode050502 = e.Code0505 + "02"
	ECode050503 = e.Code0505 + "03"
	ECode050504 = e.Code0505 + "04"
	ECode050505 = e.Code0505 + "05"
	ECode050506 = e.Code0505 + "06"
	ECode050507 = e.Code0505 + "07"
	ECode050508 = e.Code0505 + "08"
	ECode050509 = e.Code0505 + "09"
	ECode05050A = e.Code0505 + "0A"
)

const syncJobFields = `sync_job_id, sync_license_id, sync_direction, run_token,
	sync_job_status, total_items, processed_items, successful_items, failed_items,
	retry_count, max_retries, heartbeat_at, error_message, error_details,
	started_at, completed_at, created_on, updated_on`

// SyncJobGetParam model
type SyncJobGetParam struct {
	Limit             *uint64
	Offset            *uint64
	ID                *int
	LicenseID         *int
	Direction         *string
	Status            *[]string
	HeartbeatBefore   *time.Time
	FlagCount         bool
	FlagForUpdate     bool
	OrderByID         string
	DataHandler       func(*model.SyncJob) error
}

// SyncJobInsert performs the DB operation to insert a new sync job
func SyncJobInsert(db *sql.Connection, input *model.SyncJob) (id int, err error) {
	ib := db.Insert(SyncJobTableName).
		Columns(`sync_license_id, sync_direction, run_token,
			sync_job_status, total_items, processed_items, successful_items, failed_items,
			retry_count, max_retries, error_message, error_details,
			created_on, updated_on`).
		Values(input.LicenseID, input.Direction, input.RunToken,
			input.Status, input.TotalItems, input.ProcessedItems, input.SuccessfulItems, input.FailedItems,
			input.RetryCount, input.MaxRetries, input.ErrorMessage, input.ErrorDetails,
			"now()", "now()").
		Suffix("RETURNING sync_job_id")

	id, err = db.ExecInsertReturningID(ib)
	if err != nil {
		return 0, e.W(err, ECode050501)
	}

	return id, nil
}

// SyncJobSave persists the mutable state of the job after a transition
func SyncJobSave(db *sql.Connection, sj *model.SyncJob) (err error) {
	ub := db.Update(SyncJobTableName).
		Where("sync_job_id=?", sj.ID).
		Set("sync_job_status", sj.Status).
		Set("total_items", sj.TotalItems).
		Set("processed_items", sj.ProcessedItems).
		Set("successful_items", sj.SuccessfulItems).
		Set("failed_items", sj.FailedItems).
		Set("retry_count", sj.RetryCount).
		Set("heartbeat_at", sj.HeartbeatAt).
		Set("error_message", sj.ErrorMessage).
		Set("error_details", sj.ErrorDetails).
		Set("started_at", sj.StartedAt).
		Set("completed_at", sj.CompletedAt).
		Set("updated_on", "now()")

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode050502)
	}

	return nil
}

// SyncJobActiveExists reports whether a non terminal job exists for the
// license and direction. Callers run this inside a transaction holding the
// license row lock so that two runs cannot both pass the check.
func SyncJobActiveExists(db *sql.Connection, licenseID int,
	direction string) (exists bool, err error) {
	nonTerminal := pq.Array([]string{
		model.SyncJobStatusPending,
		model.SyncJobStatusProcessing,
		model.SyncJobStatusFailed,
		model.SyncJobStatusManualReview,
	})

	sb := db.Select("count(*)").
		From(SyncJobTableName).
		Where("sync_license_id=?", licenseID).
		Where("sync_direction=?", direction).
		Where("sync_job_status = ANY(?)", nonTerminal)

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return false, e.W(err, ECode050503)
	}

	var count int
	if err := db.QueryRow(stmt, bindList...).Scan(&count); err != nil {
		return false, e.W(err, ECode050504)
	}

	return count > 0, nil
}

// SyncJobGet performs select
func SyncJobGet(db *sql.Connection,
	p *SyncJobGetParam) (sjList []*model.SyncJob, count int, err error) {
	sb := db.Select("{fields}").
		From(SyncJobTableName)

	if p.Limit != nil && *p.Limit > 0 {
		sb = sb.Limit(*p.Limit)
	}

	if p.FlagForUpdate {
		sb = sb.Suffix("FOR UPDATE")
	}

	if p.ID != nil && *p.ID >= 0 {
		sb = sb.Where("sync_job_id=?", *p.ID)
	}

	if p.LicenseID != nil && *p.LicenseID >= 0 {
		sb = sb.Where("sync_license_id=?", *p.LicenseID)
	}

	if p.Direction != nil && len(*p.Direction) > 0 {
		sb = sb.Where("sync_direction=?", *p.Direction)
	}

	if p.Status != nil && len(*p.Status) > 0 {
		sb = sb.Where("sync_job_status = ANY(?)", pq.Array(*p.Status))
	}

	if p.HeartbeatBefore != nil {
		sb = sb.Where("heartbeat_at IS NOT NULL").
			Where("heartbeat_at < ?", *p.HeartbeatBefore)
	}

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode050505)
	}

	if p.FlagCount {
		row := db.QueryRow(strings.Replace(stmt, "{fields}", "count(*)", 1), bindList...)
		if err := row.Scan(&count); err != nil {
			return nil, 0, e.W(err, ECode050506,
				fmt.Sprintf("stmt: %s, bindList: %+v", stmt, bindList))
		}
	}

	if p.Offset != nil {
		sb = sb.Offset(uint64(*p.Offset))
	}

	if p.OrderByID != "" {
		sb = sb.OrderBy(fmt.Sprintf("sync_job_id %s", p.OrderByID))
	} else {
		sb = sb.OrderBy(fmt.Sprintf("%s asc", SyncJobDefaultSortBy))
	}

	stmt, bindList, err = sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode050505)
	}
	stmt = strings.Replace(stmt, "{fields}", syncJobFields, 1)
	rows, err := db.Query(stmt, bindList...)
	if err != nil {
		return nil, 0, e.W(err, ECode050507)
	}
	defer rows.Close()

	for rows.Next() {
		sj := &model.SyncJob{}
		if err := rows.Scan(&sj.ID, &sj.LicenseID, &sj.Direction, &sj.RunToken,
			&sj.Status, &sj.TotalItems, &sj.ProcessedItems, &sj.SuccessfulItems, &sj.FailedItems,
			&sj.RetryCount, &sj.MaxRetries, &sj.HeartbeatAt, &sj.ErrorMessage, &sj.ErrorDetails,
			&sj.StartedAt, &sj.CompletedAt, &sj.CreatedOn, &sj.UpdatedOn); err != nil {
			return nil, 0, e.W(err, ECode050508)
		}

		if p.DataHandler != nil {
			if err := p.DataHandler(sj); err != nil {
				return nil, 0, e.W(err, ECode050508)
			}
		} else {
			sjList = append(sjList, sj)
		}
	}

	return sjList, count, nil
}

// SyncJobGetByID returns the specified sync job
func SyncJobGetByID(db *sql.Connection, id int) (sj *model.SyncJob, err error) {
	limit := uint64(1)
	p := &SyncJobGetParam{
		Limit: &limit,
		ID:    &id,
	}

	sjList, _, err := SyncJobGet(db, p)
	if err != nil {
		return nil, e.W(err, ECode050509)
	}

	if len(sjList) == 0 {
		return nil, e.N(ECode05050A, e.MsgSyncJobDoesNotExist)
	}

	return sjList[0], nil
}

// SyncJobGetStale returns processing jobs whose heartbeat is older than the
// passed cutoff. Used by the crash recovery sweep.
func SyncJobGetStale(db *sql.Connection, cutoff time.Time) (sjList []*model.SyncJob, err error) {
	status := []string{model.SyncJobStatusProcessing}
	p := &SyncJobGetParam{
		Status:          &status,
		HeartbeatBefore: &cutoff,
	}

	sjList, _, err = SyncJobGet(db, p)
	if err != nil {
		return nil, e.W(err, ECode050509)
	}

	return sjList, nil
}
