package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	gosync "sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmodel "github.com/Leafline/compliance-sync/checkpoint/model"
	lmodel "github.com/Leafline/compliance-sync/license/model"
	qmodel "github.com/Leafline/compliance-sync/queue/model"
)

// fakeStore is an in-memory Store with the same claim semantics as the
// postgres implementation: priority then id ordering, elapsed schedule,
// dependency must be completed.
type fakeStore struct {
	mu          gosync.Mutex
	licenses    map[int]*lmodel.License
	jobs        map[int]*qmodel.SyncJob
	items       map[int]*qmodel.QueueItem
	checkpoints map[string]*cmodel.Checkpoint
	jobSaves    []jobSnapshot
}

// jobSnapshot the job state at one SaveJob call
type jobSnapshot struct {
	processed int
	heartbeat *time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		licenses:    map[int]*lmodel.License{},
		jobs:        map[int]*qmodel.SyncJob{},
		items:       map[int]*qmodel.QueueItem{},
		checkpoints: map[string]*cmodel.Checkpoint{},
	}
}

func (s *fakeStore) GetLicense(id int) (*lmodel.License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return nil, errors.New("license does not exist")
	}
	return l, nil
}

func (s *fakeStore) RecordLicenseSync(id int, success bool, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.licenses[id]
	if !ok {
		return errors.New("license does not exist")
	}
	if success {
		l.RecordSuccessfulSync(time.Now())
	} else {
		l.RecordFailedSync(time.Now(), msg)
	}
	return nil
}

func (s *fakeStore) GetJob(id int) (*qmodel.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("sync job does not exist")
	}
	return sj, nil
}

func (s *fakeStore) FindRunnableJob(licenseID int, direction string) (*qmodel.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *qmodel.SyncJob
	for _, sj := range s.jobs {
		if sj.LicenseID != licenseID || sj.Direction != direction {
			continue
		}
		if sj.Status != qmodel.SyncJobStatusPending &&
			sj.Status != qmodel.SyncJobStatusFailed {
			continue
		}
		if found == nil || sj.ID > found.ID {
			found = sj
		}
	}
	return found, nil
}

func (s *fakeStore) SaveJob(sj *qmodel.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[sj.ID] = sj
	var hb *time.Time
	if sj.HeartbeatAt != nil {
		v := *sj.HeartbeatAt
		hb = &v
	}
	s.jobSaves = append(s.jobSaves, jobSnapshot{
		processed: sj.ProcessedItems,
		heartbeat: hb,
	})
	return nil
}

func (s *fakeStore) jobSaveSnapshots() []jobSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jobSnapshot{}, s.jobSaves...)
}

func (s *fakeStore) StaleJobs(cutoff time.Time) ([]*qmodel.SyncJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*qmodel.SyncJob
	for _, sj := range s.jobs {
		if sj.Status == qmodel.SyncJobStatusProcessing &&
			sj.HeartbeatAt != nil && sj.HeartbeatAt.Before(cutoff) {
			out = append(out, sj)
		}
	}
	return out, nil
}

func (s *fakeStore) ClaimNextItem(jobID int) (*qmodel.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []*qmodel.QueueItem
	for _, qi := range s.items {
		if qi.JobID != jobID || !qi.IsReadyForProcessing(now) {
			continue
		}
		if qi.DependsOnItemID != nil {
			dep, ok := s.items[*qi.DependsOnItemID]
			if !ok || dep.Status != qmodel.QueueItemStatusCompleted {
				continue
			}
		}
		candidates = append(candidates, qi)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	qi := candidates[0]
	if err := qi.MarkProcessing(); err != nil {
		return nil, err
	}
	return qi, nil
}

func (s *fakeStore) SaveItem(qi *qmodel.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[qi.ID] = qi
	return nil
}

func (s *fakeStore) CountItemsByStatus(jobID int) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]int{}
	for _, qi := range s.items {
		if qi.JobID == jobID {
			counts[qi.Status]++
		}
	}
	return counts, nil
}

func (s *fakeStore) ItemEntityTypes(jobID int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, qi := range s.items {
		if qi.JobID == jobID && !seen[qi.EntityType] {
			seen[qi.EntityType] = true
			out = append(out, qi.EntityType)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *fakeStore) ReleaseJobItems(jobID int, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, qi := range s.items {
		if qi.JobID == jobID && qi.Status == qmodel.QueueItemStatusProcessing {
			qi.Status = qmodel.QueueItemStatusFailed
			qi.ErrorMessage = reason
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CancelJob(jobID int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[jobID]
	if !ok {
		return errors.New("sync job does not exist")
	}
	if err := sj.Cancel(reason); err != nil {
		return err
	}
	for _, qi := range s.items {
		if qi.JobID == jobID && !qi.IsTerminal() {
			_ = qi.Cancel(reason)
		}
	}
	return nil
}

func checkpointKey(licenseID int, entityType, direction string) string {
	return fmt.Sprintf("%d/%s/%s", licenseID, entityType, direction)
}

func (s *fakeStore) GetOrCreateCheckpoint(licenseID int,
	entityType, direction string) (*cmodel.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := checkpointKey(licenseID, entityType, direction)
	c, ok := s.checkpoints[key]
	if !ok {
		c = &cmodel.Checkpoint{
			ID:         len(s.checkpoints) + 1,
			LicenseID:  licenseID,
			EntityType: entityType,
			Direction:  direction,
		}
		s.checkpoints[key] = c
	}
	return c, nil
}

func (s *fakeStore) RecordCheckpointSuccess(c *cmodel.Checkpoint,
	syncTimestamp time.Time, lastExternalID string, itemCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.RecordSuccess(syncTimestamp, lastExternalID, itemCount)
	return nil
}

func (s *fakeStore) RecordCheckpointFailure(c *cmodel.Checkpoint, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.RecordFailure(msg)
	return nil
}

// fakeClient scripts Submit behavior per entity id
type fakeClient struct {
	mu      gosync.Mutex
	submit  func(req *SubmitRequest) (*SubmitResult, error)
	reqList []*SubmitRequest
}

func (c *fakeClient) Submit(ctx context.Context,
	req *SubmitRequest) (*SubmitResult, error) {
	c.mu.Lock()
	c.reqList = append(c.reqList, req)
	c.mu.Unlock()
	return c.submit(req)
}

func (c *fakeClient) requests() []*SubmitRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*SubmitRequest{}, c.reqList...)
}

func testLicense() *lmodel.License {
	return &lmodel.License{
		ID:                  1,
		SiteID:              1,
		LicenseNumber:       "C11-0000123-LIC",
		StateCode:           "CA",
		FacilityName:        "Leafline North",
		VendorKeyEncrypted:  "enc-vendor",
		UserKeyEncrypted:    "enc-user",
		IsActive:            true,
		AutoSyncEnabled:     true,
		SyncIntervalMinutes: 15,
	}
}

func seedJob(s *fakeStore) *qmodel.SyncJob {
	sj := &qmodel.SyncJob{
		ID:         1,
		LicenseID:  1,
		Direction:  qmodel.SyncJobDirectionOutbound,
		RunToken:   "run-1",
		Status:     qmodel.SyncJobStatusPending,
		MaxRetries: 3,
	}
	s.jobs[sj.ID] = sj
	return sj
}

func seedItem(s *fakeStore, id int, entityID string, dependsOn *int) *qmodel.QueueItem {
	qi := &qmodel.QueueItem{
		ID:              id,
		JobID:           1,
		LicenseID:       1,
		EntityType:      "package",
		OperationType:   "create",
		EntityID:        entityID,
		DependsOnItemID: dependsOn,
		IdempotencyKey:  entityID + ":create",
		MaxRetries:      3,
		Status:          qmodel.QueueItemStatusPending,
	}
	s.items[qi.ID] = qi
	return qi
}

func newTestPool(s *fakeStore, c Client) *Pool {
	return &Pool{
		Store:         s,
		Client:        c,
		MaxGoRoutines: 2,
		CallTimeout:   time.Second,
		Log:           zerolog.Nop(),
	}
}

func TestPoolRunDrainsJob(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	sj := seedJob(s)

	seedItem(s, 1, "pkg-1", nil)
	seedItem(s, 2, "pkg-2", nil)
	dep := 1
	seedItem(s, 3, "pkg-3", &dep)

	client := &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			return &SubmitResult{
				ExternalID:    "EXT-" + req.EntityID,
				ExternalLabel: "LBL-" + req.EntityID,
				ResponseBody:  `{"ok":true}`,
			}, nil
		},
	}

	require.NoError(t, sj.Start(3))
	out, err := newTestPool(s, client).Run(context.Background(), sj, s.licenses[1])
	require.NoError(t, err)

	assert.Equal(t, 3, out.Processed)
	assert.Equal(t, 3, out.Successful)
	assert.Equal(t, 0, out.Failed)

	for id, qi := range s.items {
		assert.Equal(t, qmodel.QueueItemStatusCompleted, qi.Status, "item %d", id)
		assert.Equal(t, "EXT-"+qi.EntityID, qi.ExternalID)
	}

	// The dependent item was submitted after its dependency completed
	reqs := client.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "pkg-3", reqs[2].EntityID)
}

func TestPoolDependencyGatedOnFailedDependency(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	sj := seedJob(s)

	seedItem(s, 1, "pkg-1", nil)
	dep := 1
	seedItem(s, 2, "pkg-2", &dep)

	client := &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			return nil, errors.New("authority unreachable")
		},
	}

	require.NoError(t, sj.Start(2))
	out, err := newTestPool(s, client).Run(context.Background(), sj, s.licenses[1])
	require.NoError(t, err)

	// Only the independent item was attempted, its dependent stayed pending
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, 1, out.Failed)
	assert.Equal(t, qmodel.QueueItemStatusFailed, s.items[1].Status)
	assert.Equal(t, qmodel.QueueItemStatusPending, s.items[2].Status)
	require.Len(t, client.requests(), 1)
	assert.Equal(t, "pkg-1", client.requests()[0].EntityID)
}

func TestPoolTransientFailureSchedulesBackoff(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	sj := seedJob(s)
	seedItem(s, 1, "pkg-1", nil)

	client := &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			return nil, &APIError{Message: "gateway timeout", Code: "504"}
		},
	}

	require.NoError(t, sj.Start(1))
	out, err := newTestPool(s, client).Run(context.Background(), sj, s.licenses[1])
	require.NoError(t, err)

	assert.Equal(t, 1, out.Failed)
	qi := s.items[1]
	assert.Equal(t, qmodel.QueueItemStatusFailed, qi.Status)
	assert.Equal(t, 1, qi.RetryCount)
	assert.Equal(t, "504", qi.ErrorCode)
	require.NotNil(t, qi.ScheduledAt)
	assert.True(t, qi.ScheduledAt.After(time.Now()))

	// The backoff keeps it out of reach of another immediate run
	require.NoError(t, sj.RecordProgress(1, 0, 1))
	out2, err := newTestPool(s, client).Run(context.Background(), sj, s.licenses[1])
	require.NoError(t, err)
	assert.Equal(t, 0, out2.Processed)
}

func TestPoolSemanticErrorRequiresManualReview(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	sj := seedJob(s)
	seedItem(s, 1, "pkg-1", nil)

	client := &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			return nil, &APIError{
				Message:      "tag already assigned",
				Code:         "DUPLICATE_TAG",
				ResponseBody: `{"error":"tag already assigned"}`,
				Semantic:     true,
			}
		},
	}

	require.NoError(t, sj.Start(1))
	out, err := newTestPool(s, client).Run(context.Background(), sj, s.licenses[1])
	require.NoError(t, err)

	assert.Equal(t, 1, out.Failed)
	qi := s.items[1]
	assert.Equal(t, qmodel.QueueItemStatusManualReview, qi.Status)
	assert.Equal(t, "tag already assigned", qi.ErrorMessage)
	assert.Equal(t, "DUPLICATE_TAG", qi.ErrorCode)
	// No retry budget consumed and no backoff scheduled
	assert.Equal(t, 0, qi.RetryCount)
	assert.Nil(t, qi.ScheduledAt)
}

func TestPoolPersistsHeartbeatPerItem(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	sj := seedJob(s)
	seedItem(s, 1, "pkg-1", nil)
	seedItem(s, 2, "pkg-2", nil)
	seedItem(s, 3, "pkg-3", nil)

	client := &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			return &SubmitResult{ExternalID: "EXT-" + req.EntityID}, nil
		},
	}

	require.NoError(t, sj.Start(3))
	pool := newTestPool(s, client)
	pool.MaxGoRoutines = 1
	_, err := pool.Run(context.Background(), sj, s.licenses[1])
	require.NoError(t, err)

	// The job is persisted as each item resolves, not only at wave end, so
	// the heartbeat keeps moving while a long wave is still in flight
	saves := s.jobSaveSnapshots()
	require.Len(t, saves, 3)
	for i, snap := range saves {
		assert.Equal(t, i+1, snap.processed)
		require.NotNil(t, snap.heartbeat, "save %d", i)
	}
	assert.False(t, saves[2].heartbeat.Before(*saves[0].heartbeat))
}

func TestPoolRecordsProgress(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	sj := seedJob(s)
	seedItem(s, 1, "pkg-1", nil)
	seedItem(s, 2, "pkg-2", nil)

	client := &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			if req.EntityID == "pkg-2" {
				return nil, errors.New("connection reset")
			}
			return &SubmitResult{ExternalID: "EXT-1"}, nil
		},
	}

	require.NoError(t, sj.Start(2))
	_, err := newTestPool(s, client).Run(context.Background(), sj, s.licenses[1])
	require.NoError(t, err)

	assert.Equal(t, 2, sj.ProcessedItems)
	assert.Equal(t, 1, sj.SuccessfulItems)
	assert.Equal(t, 1, sj.FailedItems)
	assert.NotNil(t, sj.HeartbeatAt)
}
