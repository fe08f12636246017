package worker

import (
	"time"

	"github.com/Leafline/compliance-sync/checkpoint"
	cmodel "github.com/Leafline/compliance-sync/checkpoint/model"
	"github.com/Leafline/compliance-sync/e"
	"github.com/Leafline/compliance-sync/license"
	lmodel "github.com/Leafline/compliance-sync/license/model"
	lsqlmodel "github.com/Leafline/compliance-sync/license/sqlmodel"
	"github.com/Leafline/compliance-sync/queue"
	qmodel "github.com/Leafline/compliance-sync/queue/model"
	qsqlmodel "github.com/Leafline/compliance-sync/queue/sqlmodel"
	"github.com/Leafline/compliance-sync/sql"
)

const (
	ECode060301 = e.Code0603 + "01"
	ECode060302 = e.Code0603 + "02"
	ECode060303 = e.Code0603 + "03"
	ECode060304 = e.Code0603 + "04"
	ECode060305 = e.Code0603 + "05"
	ECode060306 = e.Code0603 + "06"
	ECode060307 = e.Code0603 + "07"
	ECode060308 = e.Code0603 + "08"
	ECode060309 = e.Code0603 + "09"
	ECode06030A = e.Code0603 + "0A"
	ECode06030B = e.Code0603 + "0B"
	ECode06030C = e.Code0603 + "0C"
)

// Store is the persistence surface the orchestrator and pool run against
type Store interface {
	GetLicense(id int) (*lmodel.License, error)
	RecordLicenseSync(id int, success bool, msg string) error

	GetJob(id int) (*qmodel.SyncJob, error)
	FindRunnableJob(licenseID int, direction string) (*qmodel.SyncJob, error)
	SaveJob(sj *qmodel.SyncJob) error
	StaleJobs(cutoff time.Time) ([]*qmodel.SyncJob, error)

	ClaimNextItem(jobID int) (*qmodel.QueueItem, error)
	SaveItem(qi *qmodel.QueueItem) error
	CountItemsByStatus(jobID int) (map[string]int, error)
	ItemEntityTypes(jobID int) ([]string, error)
	ReleaseJobItems(jobID int, reason string) (int64, error)
	CancelJob(jobID int, reason string) error

	GetOrCreateCheckpoint(licenseID int, entityType, direction string) (*cmodel.Checkpoint, error)
	RecordCheckpointSuccess(c *cmodel.Checkpoint, syncTimestamp time.Time,
		lastExternalID string, itemCount int) error
	RecordCheckpointFailure(c *cmodel.Checkpoint, msg string) error
}

// SQLStore implements Store over the postgres sqlmodels
type SQLStore struct {
	DB *sql.Connection
}

// NewSQLStore returns a store bound to the connection
func NewSQLStore(db *sql.Connection) *SQLStore {
	return &SQLStore{DB: db}
}

// GetLicense fetches the license
func (s *SQLStore) GetLicense(id int) (*lmodel.License, error) {
	l, err := lsqlmodel.LicenseGetByID(s.DB, id)
	if err != nil {
		return nil, e.W(err, ECode060301)
	}
	return l, nil
}

// RecordLicenseSync stamps the sync attempt outcome on the license
func (s *SQLStore) RecordLicenseSync(id int, success bool, msg string) error {
	var err error
	if success {
		err = license.RecordSuccessfulSync(s.DB, id)
	} else {
		err = license.RecordFailedSync(s.DB, id, msg)
	}
	if err != nil {
		return e.W(err, ECode060302)
	}
	return nil
}

// GetJob fetches the sync job
func (s *SQLStore) GetJob(id int) (*qmodel.SyncJob, error) {
	sj, err := qsqlmodel.SyncJobGetByID(s.DB, id)
	if err != nil {
		return nil, e.W(err, ECode060303)
	}
	return sj, nil
}

// FindRunnableJob returns the pending or failed-with-budget job for the
// license and direction, nil when there is none
func (s *SQLStore) FindRunnableJob(licenseID int,
	direction string) (*qmodel.SyncJob, error) {
	limit := uint64(1)
	status := []string{qmodel.SyncJobStatusPending, qmodel.SyncJobStatusFailed}
	sjList, _, err := qsqlmodel.SyncJobGet(s.DB, &qsqlmodel.SyncJobGetParam{
		Limit:     &limit,
		LicenseID: &licenseID,
		Direction: &direction,
		Status:    &status,
		OrderByID: "desc",
	})
	if err != nil {
		return nil, e.W(err, ECode060303)
	}
	if len(sjList) == 0 {
		return nil, nil
	}
	return sjList[0], nil
}

// SaveJob persists the job's mutable state
func (s *SQLStore) SaveJob(sj *qmodel.SyncJob) error {
	if err := qsqlmodel.SyncJobSave(s.DB, sj); err != nil {
		return e.W(err, ECode060304)
	}
	return nil
}

// StaleJobs returns processing jobs whose heartbeat predates the cutoff
func (s *SQLStore) StaleJobs(cutoff time.Time) ([]*qmodel.SyncJob, error) {
	sjList, err := qsqlmodel.SyncJobGetStale(s.DB, cutoff)
	if err != nil {
		return nil, e.W(err, ECode060305)
	}
	return sjList, nil
}

// ClaimNextItem claims the next ready item of the job, nil when none
func (s *SQLStore) ClaimNextItem(jobID int) (*qmodel.QueueItem, error) {
	qi, err := qsqlmodel.QueueItemClaimNext(s.DB, jobID)
	if err != nil {
		return nil, e.W(err, ECode060306)
	}
	return qi, nil
}

// SaveItem persists the item's mutable state
func (s *SQLStore) SaveItem(qi *qmodel.QueueItem) error {
	if err := qsqlmodel.QueueItemSave(s.DB, qi); err != nil {
		return e.W(err, ECode060307)
	}
	return nil
}

// CountItemsByStatus returns item counts of the job keyed by status
func (s *SQLStore) CountItemsByStatus(jobID int) (map[string]int, error) {
	counts, err := qsqlmodel.QueueItemCountByJobStatus(s.DB, jobID)
	if err != nil {
		return nil, e.W(err, ECode060308)
	}
	return counts, nil
}

// ItemEntityTypes returns the distinct entity types among the job's items
func (s *SQLStore) ItemEntityTypes(jobID int) ([]string, error) {
	etList, err := qsqlmodel.QueueItemDistinctEntityTypes(s.DB, jobID)
	if err != nil {
		return nil, e.W(err, ECode060309)
	}
	return etList, nil
}

// ReleaseJobItems returns processing items of the job to failed
func (s *SQLStore) ReleaseJobItems(jobID int, reason string) (int64, error) {
	n, err := qsqlmodel.QueueItemReleaseByJob(s.DB, jobID, reason)
	if err != nil {
		return 0, e.W(err, ECode06030A)
	}
	return n, nil
}

// CancelJob cancels the job and cascades to its items
func (s *SQLStore) CancelJob(jobID int, reason string) error {
	if err := queue.CancelJob(s.DB, jobID, reason); err != nil {
		return e.W(err, ECode06030B)
	}
	return nil
}

// GetOrCreateCheckpoint fetches, creating on first use, the checkpoint for
// the license+entity type+direction
func (s *SQLStore) GetOrCreateCheckpoint(licenseID int,
	entityType, direction string) (*cmodel.Checkpoint, error) {
	c, err := checkpoint.GetOrCreate(s.DB, licenseID, entityType, direction)
	if err != nil {
		return nil, e.W(err, ECode06030C)
	}
	return c, nil
}

// RecordCheckpointSuccess advances the checkpoint cursor
func (s *SQLStore) RecordCheckpointSuccess(c *cmodel.Checkpoint,
	syncTimestamp time.Time, lastExternalID string, itemCount int) error {
	if err := checkpoint.RecordSuccess(s.DB, c, syncTimestamp,
		lastExternalID, itemCount); err != nil {
		return e.W(err, ECode06030C)
	}
	return nil
}

// RecordCheckpointFailure bumps the checkpoint's consecutive failure count
func (s *SQLStore) RecordCheckpointFailure(c *cmodel.Checkpoint, msg string) error {
	if err := checkpoint.RecordFailure(s.DB, c, msg); err != nil {
		return e.W(err, ECode06030C)
	}
	return nil
}
