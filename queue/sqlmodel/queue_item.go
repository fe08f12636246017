package sqlmodel

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/queue/model"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	QueueItemTableName     = "sync_queue_item"
	QueueItemDefaultSortBy = "sync_queue_item_id"

	ECode050401 = e.Code0504 + "01"
	ECode050402 = e.Code0504 + "02"
	ECode050403 = e.Code0504 + "03"
	ECode050404 = e.Code0504 + "04"
	ECode050405 = e.Code0504 + "05"
	ECode050406 = e.Code0504 + "06"
	ECode050407 = e.Code0504 + "07"
	ECode050408 = e.Code0504 + "08"
	ECode050409 = e.Code0504 + "09"
	ECode05040A = e.Code0504 + "0A"
	ECode05040B = e.Code0504 + "0B"
	ECode05040C = e.Code0504 + "0C"
	ECode05040D = e.Code0504 + "0D"
)

const queueItemFields = `sync_queue_item_id, sync_job_id, sync_license_id,
	entity_type, operation_type, entity_id, external_id, external_label,
	payload, priority, depends_on_item_id, idempotency_key,
	retry_count, max_retries, scheduled_at, sync_queue_item_status,
	error_message, error_code, response_body,
	created_on, updated_on, completed_on`

// queueItemClaimStmt atomically claims the next ready item of a job. The
// subselect locks a single candidate row (skipping rows already locked by
// another worker) whose own schedule has elapsed and whose dependency, if
// any, has completed. The status flip to processing is the exclusive claim.
const queueItemClaimStmt = `UPDATE ` + QueueItemTableName + ` SET
	sync_queue_item_status='` + model.QueueItemStatusProcessing + `',
	updated_on=now()
WHERE sync_queue_item_id = (
	SELECT i.sync_queue_item_id
	FROM ` + QueueItemTableName + ` i
	LEFT JOIN ` + QueueItemTableName + ` d ON d.sync_queue_item_id = i.depends_on_item_id
	WHERE i.sync_job_id = $1
		AND i.sync_queue_item_status = ANY($2)
		AND (i.scheduled_at IS NULL OR i.scheduled_at <= now())
		AND (i.depends_on_item_id IS NULL
			OR d.sync_queue_item_status = '` + model.QueueItemStatusCompleted + `')
	ORDER BY i.priority DESC, i.sync_queue_item_id ASC
	FOR UPDATE OF i SKIP LOCKED
	LIMIT 1
)
RETURNING ` + queueItemFields

// QueueItemGetParam model
type QueueItemGetParam struct {
	Limit       *uint64
	Offset      *uint64
	ID          *int
	JobID       *int
	LicenseID   *int
	Status      *[]string
	EntityType  *string
	FlagCount   bool
	OrderByID   string
	DataHandler func(*model.QueueItem) error
}

// QueueItemInsert performs the DB operation to insert a new queue item
func QueueItemInsert(db *sql.Connection, input *model.QueueItem) (id int, err error) {
	ib := db.Insert(QueueItemTableName).
		Columns(`sync_job_id, sync_license_id,
			entity_type, operation_type, entity_id, external_id, external_label,
			payload, priority, depends_on_item_id, idempotency_key,
			retry_count, max_retries, scheduled_at, sync_queue_item_status,
			error_message, error_code, response_body,
			created_on, updated_on`).
		Values(input.JobID, input.LicenseID,
			input.EntityType, input.OperationType, input.EntityID, input.ExternalID, input.ExternalLabel,
			input.Payload, input.Priority, input.DependsOnItemID, input.IdempotencyKey,
			input.RetryCount, input.MaxRetries, input.ScheduledAt, input.Status,
			input.ErrorMessage, input.ErrorCode, input.ResponseBody,
			"now()", "now()").
		Suffix("RETURNING sync_queue_item_id")

	id, err = db.ExecInsertReturningID(ib)
	if err != nil {
		return 0, e.W(err, ECode050401)
	}

	return id, nil
}

// QueueItemSave persists the mutable state of the item after a transition
func QueueItemSave(db *sql.Connection, qi *model.QueueItem) (err error) {
	ub := db.Update(QueueItemTableName).
		Where("sync_queue_item_id=?", qi.ID).
		Set("external_id", qi.ExternalID).
		Set("external_label", qi.ExternalLabel).
		Set("retry_count", qi.RetryCount).
		Set("scheduled_at", qi.ScheduledAt).
		Set("sync_queue_item_status", qi.Status).
		Set("error_message", qi.ErrorMessage).
		Set("error_code", qi.ErrorCode).
		Set("response_body", qi.ResponseBody).
		Set("completed_on", qi.CompletedOn).
		Set("updated_on", "now()")

	if err := db.ExecUpdate(ub); err != nil {
		return e.W(err, ECode050402)
	}

	return nil
}

// QueueItemClaimNext atomically claims the next ready item of the job,
// flipping it to processing. Returns nil when no item is currently
// claimable (all pending items scheduled in the future, gated on
// dependencies, claimed by other workers, or terminal).
func QueueItemClaimNext(db *sql.Connection, jobID int) (qi *model.QueueItem, err error) {
	claimable := pq.Array([]string{
		model.QueueItemStatusPending,
		model.QueueItemStatusFailed,
	})

	row := db.QueryRow(queueItemClaimStmt, jobID, claimable)
	qi = &model.QueueItem{}
	if err := scanQueueItem(row.Scan, qi); err != nil {
		if e.IsNoRowsPQError(err) {
			return nil, nil
		}
		return nil, e.W(err, ECode050403)
	}

	return qi, nil
}

// QueueItemReleaseByJob returns all processing items of the job back to
// failed so they become claimable again. Used by the stale job sweep after
// a worker crash, the retry budget is deliberately not consumed.
func QueueItemReleaseByJob(db *sql.Connection, jobID int, reason string) (n int64, err error) {
	ub := db.Update(QueueItemTableName).
		Where("sync_job_id=?", jobID).
		Where("sync_queue_item_status=?", model.QueueItemStatusProcessing).
		Set("sync_queue_item_status", model.QueueItemStatusFailed).
		Set("error_message", reason).
		Set("updated_on", "now()")

	stmt, bindList, err := ub.ToSql()
	if err != nil {
		return 0, e.W(err, ECode050404)
	}

	res, err := db.Exec(stmt, bindList...)
	if err != nil {
		return 0, e.W(err, ECode050405)
	}

	n, err = res.RowsAffected()
	if err != nil {
		return 0, e.W(err, ECode050406)
	}

	return n, nil
}

// QueueItemCancelByJob cancels all non terminal items of the job. Cascade
// rule for a job level cancel.
func QueueItemCancelByJob(db *sql.Connection, jobID int, reason string) (n int64, err error) {
	nonTerminal := pq.Array([]string{
		model.QueueItemStatusPending,
		model.QueueItemStatusProcessing,
		model.QueueItemStatusFailed,
		model.QueueItemStatusManualReview,
	})

	ub := db.Update(QueueItemTableName).
		Where("sync_job_id=?", jobID).
		Where("sync_queue_item_status = ANY(?)", nonTerminal).
		Set("sync_queue_item_status", model.QueueItemStatusCancelled).
		Set("error_message", reason).
		Set("scheduled_at", nil).
		Set("completed_on", "now()").
		Set("updated_on", "now()")

	stmt, bindList, err := ub.ToSql()
	if err != nil {
		return 0, e.W(err, ECode050407)
	}

	res, err := db.Exec(stmt, bindList...)
	if err != nil {
		return 0, e.W(err, ECode050408)
	}

	n, err = res.RowsAffected()
	if err != nil {
		return 0, e.W(err, ECode050408)
	}

	return n, nil
}

// QueueItemCountByJobStatus returns the number of items of the job per
// status
func QueueItemCountByJobStatus(db *sql.Connection, jobID int) (counts map[string]int, err error) {
	sb := db.Select("sync_queue_item_status, count(*)").
		From(QueueItemTableName).
		Where("sync_job_id=?", jobID).
		GroupBy("sync_queue_item_status")

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, e.W(err, ECode050409)
	}

	rows, err := db.Query(stmt, bindList...)
	if err != nil {
		return nil, e.W(err, ECode050409)
	}
	defer rows.Close()

	counts = map[string]int{}
	for rows.Next() {
		var status string
		var cnt int
		if err := rows.Scan(&status, &cnt); err != nil {
			return nil, e.W(err, ECode050409)
		}
		counts[status] = cnt
	}

	return counts, nil
}

// QueueItemGet performs select
func QueueItemGet(db *sql.Connection,
	p *QueueItemGetParam) (qiList []*model.QueueItem, count int, err error) {
	sb := db.Select("{fields}").
		From(QueueItemTableName)

	if p.Limit != nil && *p.Limit > 0 {
		sb = sb.Limit(*p.Limit)
	}

	if p.ID != nil && *p.ID >= 0 {
		sb = sb.Where("sync_queue_item_id=?", *p.ID)
	}

	if p.JobID != nil && *p.JobID >= 0 {
		sb = sb.Where("sync_job_id=?", *p.JobID)
	}

	if p.LicenseID != nil && *p.LicenseID >= 0 {
		sb = sb.Where("sync_license_id=?", *p.LicenseID)
	}

	if p.Status != nil && len(*p.Status) > 0 {
		sb = sb.Where("sync_queue_item_status = ANY(?)", pq.Array(*p.Status))
	}

	if p.EntityType != nil && len(*p.EntityType) > 0 {
		sb = sb.Where("entity_type=?", *p.EntityType)
	}

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode05040A)
	}

	if p.FlagCount {
		row := db.QueryRow(strings.Replace(stmt, "{fields}", "count(*)", 1), bindList...)
		if err := row.Scan(&count); err != nil {
			return nil, 0, e.W(err, ECode05040B,
				fmt.Sprintf("stmt: %s, bindList: %+v", stmt, bindList))
		}
	}

	if p.Offset != nil {
		sb = sb.Offset(uint64(*p.Offset))
	}

	if p.OrderByID != "" {
		sb = sb.OrderBy(fmt.Sprintf("sync_queue_item_id %s", p.OrderByID))
	} else {
		sb = sb.OrderBy(fmt.Sprintf("%s asc", QueueItemDefaultSortBy))
	}

	stmt, bindList, err = sb.ToSql()
	if err != nil {
		return nil, 0, e.W(err, ECode05040A)
	}
	stmt = strings.Replace(stmt, "{fields}", queueItemFields, 1)
	rows, err := db.Query(stmt, bindList...)
	if err != nil {
		return nil, 0, e.W(err, ECode05040C)
	}
	defer rows.Close()

	for rows.Next() {
		qi := &model.QueueItem{}
		if err := scanQueueItem(rows.Scan, qi); err != nil {
			return nil, 0, e.W(err, ECode05040C)
		}

		if p.DataHandler != nil {
			if err := p.DataHandler(qi); err != nil {
				return nil, 0, e.W(err, ECode05040C)
			}
		} else {
			qiList = append(qiList, qi)
		}
	}

	return qiList, count, nil
}

// QueueItemGetByID returns the specified queue item
func QueueItemGetByID(db *sql.Connection, id int) (qi *model.QueueItem, err error) {
	limit := uint64(1)
	p := &QueueItemGetParam{
		Limit: &limit,
		ID:    &id,
	}

	qiList, _, err := QueueItemGet(db, p)
	if err != nil {
		return nil, e.W(err, ECode05040A)
	}

	if len(qiList) == 0 {
		return nil, e.N(ECode05040B, e.MsgQueueItemDoesNotExist)
	}

	return qiList[0], nil
}

// QueueItemDistinctEntityTypes returns the distinct entity types present
// among the items of the job
func QueueItemDistinctEntityTypes(db *sql.Connection, jobID int) (etList []string, err error) {
	sb := db.Select("DISTINCT entity_type").
		From(QueueItemTableName).
		Where("sync_job_id=?", jobID).
		OrderBy("entity_type")

	stmt, bindList, err := sb.ToSql()
	if err != nil {
		return nil, e.W(err, ECode05040D)
	}

	rows, err := db.Query(stmt, bindList...)
	if err != nil {
		return nil, e.W(err, ECode05040D)
	}
	defer rows.Close()

	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			return nil, e.W(err, ECode05040D)
		}
		etList = append(etList, et)
	}

	return etList, nil
}

func scanQueueItem(scan func(...interface{}) error, qi *model.QueueItem) error {
	return scan(&qi.ID, &qi.JobID, &qi.LicenseID,
		&qi.EntityType, &qi.OperationType, &qi.EntityID, &qi.ExternalID, &qi.ExternalLabel,
		&qi.Payload, &qi.Priority, &qi.DependsOnItemID, &qi.IdempotencyKey,
		&qi.RetryCount, &qi.MaxRetries, &qi.ScheduledAt, &qi.Status,
		&qi.ErrorMessage, &qi.ErrorCode, &qi.ResponseBody,
		&qi.CreatedOn, &qi.UpdatedOn, &qi.CompletedOn)
}
