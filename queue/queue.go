// Package queue holds the durable outbox: sync jobs and the queue items
// they group. Items are the retryable unit of work, jobs aggregate their
// outcomes per license and direction.
package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/license/sqlmodel"
	"github.com/Leafline/compliance-sync/queue/model"
	qsqlmodel "github.com/Leafline/compliance-sync/queue/sqlmodel"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	ECode050101 = e.Code0501 + "01"
	ECode050102 = e.Code0501 + "02"
	ECode050103 = e.Code0501 + "03"
	ECode050104 = e.Code0501 + "04"
	ECode050105 = e.Code0501 + "05"
	ECode050106 = e.Code0501 + "06"
	ECode050107 = e.Code0501 + "07"
	ECode050108 = e.Code0501 + "08"
	ECode050109 = e.Code0501 + "09"
	ECode05010A = e.Code0501 + "0A"
	ECode05010B = e.Code0501 + "0B"
	ECode05010C = e.Code0501 + "0C"
	ECode05010D = e.Code0501 + "0D"
	ECode05010E = e.Code0501 + "0E"
)

// EnqueueParam one operation to be queued under a job
type EnqueueParam struct {
	EntityType      string
	OperationType   string
	EntityID        string
	ExternalID      string
	ExternalLabel   string
	Payload         []byte
	Priority        int
	DependsOnItemID *int
	IdempotencyKey  string
	MaxRetries      int
}

// CreateJob creates a new pending sync job for the license and direction.
// The license row is locked for the duration of the check so that two
// callers cannot both create an active job for the same license+direction.
func CreateJob(db *sql.Connection, licenseID int, direction string) (sj *model.SyncJob, err error) {
	tx, err := db.BeginReturnDB()
	if err != nil {
		return nil, e.W(err, ECode050101)
	}
	defer tx.RollbackIfInTxn()

	// Lock the license row to serialize job creation per license
	limit := uint64(1)
	if _, _, err := sqlmodel.LicenseGet(tx, &sqlmodel.LicenseGetParam{
		Limit:         &limit,
		ID:            &licenseID,
		FlagForUpdate: true,
	}); err != nil {
		return nil, e.W(err, ECode050102)
	}

	exists, err := qsqlmodel.SyncJobActiveExists(tx, licenseID, direction)
	if err != nil {
		return nil, e.W(err, ECode050103)
	}
	if exists {
		return nil, e.N(ECode050104, e.MsgSyncJobAlreadyRunning)
	}

	sj = &model.SyncJob{
		LicenseID:  licenseID,
		Direction:  direction,
		RunToken:   uuid.NewString(),
		Status:     model.SyncJobStatusPending,
		MaxRetries: model.SyncJobDefaultMaxRetries,
	}

	id, err := qsqlmodel.SyncJobInsert(tx, sj)
	if err != nil {
		return nil, e.W(err, ECode050105)
	}
	sj.ID = id

	if err := tx.Commit(); err != nil {
		return nil, e.W(err, ECode050106)
	}

	return sj, nil
}

// Enqueue inserts the passed operations as queue items under the job, all
// in one transaction so a crash cannot persist half an intent. Params may
// reference earlier params in the same call by index via DependsOnItemID
// pointing at an already inserted item id, or by leaving it nil.
func Enqueue(db *sql.Connection, sj *model.SyncJob,
	params []*EnqueueParam) (idList []int, err error) {
	tx, err := db.BeginReturnDB()
	if err != nil {
		return nil, e.W(err, ECode050107)
	}
	defer tx.RollbackIfInTxn()

	now := time.Now()
	idList = make([]int, 0, len(params))
	for i, p := range params {
		maxRetries := p.MaxRetries
		if maxRetries <= 0 {
			maxRetries = model.QueueItemDefaultMaxRetries
		}

		qi := &model.QueueItem{
			JobID:           sj.ID,
			LicenseID:       sj.LicenseID,
			EntityType:      p.EntityType,
			OperationType:   p.OperationType,
			EntityID:        p.EntityID,
			ExternalID:      p.ExternalID,
			ExternalLabel:   p.ExternalLabel,
			Payload:         p.Payload,
			Priority:        p.Priority,
			DependsOnItemID: p.DependsOnItemID,
			IdempotencyKey:  p.IdempotencyKey,
			MaxRetries:      maxRetries,
			Status:          model.QueueItemStatusPending,
		}
		// Each param gets its own tick so derived keys for repeated
		// (entity, operation) pairs in one batch stay unique under the
		// (sync_job_id, idempotency_key) constraint
		qi.EnsureIdempotencyKey(now.Add(time.Duration(i)))

		id, err := qsqlmodel.QueueItemInsert(tx, qi)
		if err != nil {
			if e.IsPQError(err, e.PQErr23505UniqueViolation) {
				return nil, e.WM(err, ECode05010E, fmt.Sprintf(
					"duplicate idempotency key '%s' for job %d",
					qi.IdempotencyKey, sj.ID))
			}
			return nil, e.W(err, ECode050108)
		}

		idList = append(idList, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, e.W(err, ECode050109)
	}

	return idList, nil
}

// CancelJob cancels the job and cascades the cancel to all of its non
// terminal items
func CancelJob(db *sql.Connection, jobID int, reason string) (err error) {
	sj, err := qsqlmodel.SyncJobGetByID(db, jobID)
	if err != nil {
		return e.W(err, ECode05010A)
	}

	if err := sj.Cancel(reason); err != nil {
		return e.W(err, ECode05010A)
	}

	tx, err := db.BeginReturnDB()
	if err != nil {
		return e.W(err, ECode05010A)
	}
	defer tx.RollbackIfInTxn()

	if err := qsqlmodel.SyncJobSave(tx, sj); err != nil {
		return e.W(err, ECode05010A)
	}

	if _, err := qsqlmodel.QueueItemCancelByJob(tx, jobID, reason); err != nil {
		return e.W(err, ECode05010A)
	}

	if err := tx.Commit(); err != nil {
		return e.W(err, ECode05010A)
	}

	return nil
}

// CancelItem cancels a single queue item
func CancelItem(db *sql.Connection, itemID int, reason string) (err error) {
	qi, err := qsqlmodel.QueueItemGetByID(db, itemID)
	if err != nil {
		return e.W(err, ECode05010B)
	}

	if err := qi.Cancel(reason); err != nil {
		return e.W(err, ECode05010B)
	}

	if err := qsqlmodel.QueueItemSave(db, qi); err != nil {
		return e.W(err, ECode05010B)
	}

	return nil
}

// RequeueItem administratively returns a failed_permanent or manual_review
// item to pending with a fresh retry budget. This is the operator's manual
// retry and deliberately bypasses the state machine's terminal guard.
func RequeueItem(db *sql.Connection, itemID int) (err error) {
	qi, err := qsqlmodel.QueueItemGetByID(db, itemID)
	if err != nil {
		return e.W(err, ECode05010C)
	}

	switch qi.Status {
	case model.QueueItemStatusFailed,
		model.QueueItemStatusFailedPermanent,
		model.QueueItemStatusManualReview:
	default:
		return e.N(ECode05010D,
			e.MsgInvalidTransition+": only failed or review items can be requeued")
	}

	qi.Status = model.QueueItemStatusPending
	qi.RetryCount = 0
	qi.ScheduledAt = nil
	qi.CompletedOn = nil
	qi.ErrorMessage = ""
	qi.ErrorCode = ""

	if err := qsqlmodel.QueueItemSave(db, qi); err != nil {
		return e.W(err, ECode05010C)
	}

	return nil
}
