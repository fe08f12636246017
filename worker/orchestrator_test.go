package worker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmodel "github.com/Leafline/compliance-sync/checkpoint/model"
	qmodel "github.com/Leafline/compliance-sync/queue/model"
)

type capturedEvent struct {
	status        string
	licenseNumber string
}

type fakePublisher struct {
	events []capturedEvent
}

func (p *fakePublisher) PublishJobEvent(ctx context.Context, sj *qmodel.SyncJob,
	licenseNumber string) error {
	p.events = append(p.events, capturedEvent{
		status:        sj.Status,
		licenseNumber: licenseNumber,
	})
	return nil
}

func newTestOrchestrator(s *fakeStore, c Client) *Orchestrator {
	return &Orchestrator{
		Store:         s,
		Client:        c,
		MaxGoRoutines: 2,
		CallTimeout:   time.Second,
		Log:           zerolog.Nop(),
	}
}

func okClient() *fakeClient {
	return &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			return &SubmitResult{
				ExternalID:   "EXT-" + req.EntityID,
				ResponseBody: `{"ok":true}`,
			}, nil
		},
	}
}

func TestOrchestratorPlanScope(t *testing.T) {
	s := newFakeStore()
	o := newTestOrchestrator(s, okClient())

	// No cursor yet, the first run must be a full sweep
	plan, err := o.PlanScope(1, "package", cmodel.SyncDirectionOutbound)
	require.NoError(t, err)
	assert.True(t, plan.FullSync)
	assert.Nil(t, plan.Since)

	// A healthy cursor plans a window starting at the lookback
	c, err := s.GetOrCreateCheckpoint(1, "package", cmodel.SyncDirectionOutbound)
	require.NoError(t, err)
	ts := time.Now().Add(-time.Hour)
	c.RecordSuccess(ts, "EXT-9", 4)

	plan, err = o.PlanScope(1, "package", cmodel.SyncDirectionOutbound)
	require.NoError(t, err)
	assert.False(t, plan.FullSync)
	require.NotNil(t, plan.Since)
	assert.Equal(t, ts.Add(-cmodel.SyncStartLookback), *plan.Since)

	// Enough consecutive failures abandon the window for a full resync
	for i := 0; i < cmodel.FullSyncFailureThreshold; i++ {
		c.RecordFailure("authority unreachable")
	}
	plan, err = o.PlanScope(1, "package", cmodel.SyncDirectionOutbound)
	require.NoError(t, err)
	assert.True(t, plan.FullSync)
}

func TestOrchestratorRunJobCompletes(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	seedJob(s)
	seedItem(s, 1, "pkg-1", nil)
	seedItem(s, 2, "pkg-2", nil)

	pub := &fakePublisher{}
	o := newTestOrchestrator(s, okClient())
	o.Events = pub

	require.NoError(t, o.RunJob(context.Background(), 1))

	sj := s.jobs[1]
	assert.Equal(t, qmodel.SyncJobStatusCompleted, sj.Status)
	assert.Equal(t, 2, sj.TotalItems)
	assert.Equal(t, 2, sj.SuccessfulItems)

	// Checkpoint advanced for the entity type the job touched
	c := s.checkpoints[checkpointKey(1, "package", qmodel.SyncJobDirectionOutbound)]
	require.NotNil(t, c)
	require.NotNil(t, c.LastSyncTimestamp)
	assert.Equal(t, 0, c.ConsecutiveFailures)
	assert.False(t, c.RequiresFullSync())

	// The cursor lands on the run start, not on completion time
	require.NotNil(t, sj.StartedAt)
	assert.Equal(t, *sj.StartedAt, *c.LastSyncTimestamp)

	// License bookkeeping
	lic := s.licenses[1]
	require.NotNil(t, lic.LastSuccessAt)
	assert.Empty(t, lic.LastError)

	require.Len(t, pub.events, 1)
	assert.Equal(t, qmodel.SyncJobStatusCompleted, pub.events[0].status)
	assert.Equal(t, lic.LicenseNumber, pub.events[0].licenseNumber)
}

func TestOrchestratorRunJobWithFailures(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	seedJob(s)
	seedItem(s, 1, "pkg-1", nil)

	client := &fakeClient{
		submit: func(req *SubmitRequest) (*SubmitResult, error) {
			return nil, &APIError{Message: "gateway timeout", Code: "504"}
		},
	}

	o := newTestOrchestrator(s, client)
	require.NoError(t, o.RunJob(context.Background(), 1))

	sj := s.jobs[1]
	assert.Equal(t, qmodel.SyncJobStatusFailed, sj.Status)
	assert.Equal(t, 1, sj.RetryCount)
	assert.Equal(t, 1, sj.FailedItems)

	// Checkpoint does not advance on a dirty run
	c := s.checkpoints[checkpointKey(1, "package", qmodel.SyncJobDirectionOutbound)]
	require.NotNil(t, c)
	assert.Nil(t, c.LastSyncTimestamp)
	assert.Equal(t, 1, c.ConsecutiveFailures)

	lic := s.licenses[1]
	require.NotNil(t, lic.LastSyncAt)
	assert.Nil(t, lic.LastSuccessAt)
	assert.NotEmpty(t, lic.LastError)
}

func TestOrchestratorRunJobIneligibleLicense(t *testing.T) {
	s := newFakeStore()
	lic := testLicense()
	lic.IsActive = false
	s.licenses[1] = lic
	seedJob(s)

	o := newTestOrchestrator(s, okClient())
	err := o.RunJob(context.Background(), 1)
	require.Error(t, err)

	// Config errors stop the run before the job starts
	assert.Equal(t, qmodel.SyncJobStatusPending, s.jobs[1].Status)
	assert.Equal(t, 0, s.jobs[1].RetryCount)
}

func TestOrchestratorRunSyncNotDue(t *testing.T) {
	s := newFakeStore()
	lic := testLicense()
	now := time.Now()
	lic.LastSyncAt = &now
	s.licenses[1] = lic
	seedJob(s)

	o := newTestOrchestrator(s, okClient())
	err := o.RunSync(context.Background(), 1, qmodel.SyncJobDirectionOutbound)
	require.Error(t, err)
	assert.Equal(t, qmodel.SyncJobStatusPending, s.jobs[1].Status)
}

func TestOrchestratorRunSyncRunsPendingJob(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	seedJob(s)
	seedItem(s, 1, "pkg-1", nil)

	o := newTestOrchestrator(s, okClient())
	require.NoError(t, o.RunSync(context.Background(), 1,
		qmodel.SyncJobDirectionOutbound))
	assert.Equal(t, qmodel.SyncJobStatusCompleted, s.jobs[1].Status)
}

func TestOrchestratorCancelJobCascades(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	seedJob(s)
	seedItem(s, 1, "pkg-1", nil)
	seedItem(s, 2, "pkg-2", nil)

	o := newTestOrchestrator(s, okClient())
	require.NoError(t, o.CancelJob(1, "operator request"))

	assert.Equal(t, qmodel.SyncJobStatusCancelled, s.jobs[1].Status)
	for _, qi := range s.items {
		assert.Equal(t, qmodel.QueueItemStatusCancelled, qi.Status)
	}
}

func TestOrchestratorReclaimStale(t *testing.T) {
	s := newFakeStore()
	s.licenses[1] = testLicense()
	sj := seedJob(s)
	require.NoError(t, sj.Start(1))

	stale := time.Now().Add(-time.Hour)
	sj.HeartbeatAt = &stale

	qi := seedItem(s, 1, "pkg-1", nil)
	require.NoError(t, qi.MarkProcessing())

	o := newTestOrchestrator(s, okClient())
	n, err := o.ReclaimStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The in flight item is claimable again without spending retry budget
	assert.Equal(t, qmodel.QueueItemStatusFailed, qi.Status)
	assert.Equal(t, 0, qi.RetryCount)

	// The job failed against its own budget and can restart
	assert.Equal(t, qmodel.SyncJobStatusFailed, sj.Status)
	assert.True(t, sj.CanRetry())
}

// Full lifecycle: configure a license, queue a job with a dependency chain,
// run it and verify checkpoint state afterwards.
func TestSyncLifecycle(t *testing.T) {
	s := newFakeStore()

	lic := testLicense()
	lic.VendorKeyEncrypted = ""
	lic.UserKeyEncrypted = ""
	s.licenses[1] = lic

	// Not due without credentials
	assert.False(t, lic.IsSyncDue(time.Now()))

	require.NoError(t, lic.SetCredentials("enc-vendor", "enc-user"))
	assert.True(t, lic.IsSyncDue(time.Now()))

	seedJob(s)
	seedItem(s, 1, "pkg-1", nil)
	seedItem(s, 2, "pkg-2", nil)
	dep := 1
	seedItem(s, 3, "pkg-3", &dep)

	client := okClient()
	o := newTestOrchestrator(s, client)
	require.NoError(t, o.RunSync(context.Background(), 1,
		qmodel.SyncJobDirectionOutbound))

	sj := s.jobs[1]
	assert.Equal(t, qmodel.SyncJobStatusCompleted, sj.Status)
	assert.Equal(t, 3, sj.ProcessedItems)
	assert.Equal(t, 3, sj.SuccessfulItems)
	assert.Equal(t, 0, sj.FailedItems)

	// Dependent item ran after its dependency
	reqs := client.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "pkg-3", reqs[2].EntityID)

	c := s.checkpoints[checkpointKey(1, "package", cmodel.SyncDirectionOutbound)]
	require.NotNil(t, c)
	assert.False(t, c.RequiresFullSync())
	assert.Equal(t, 3, c.LastItemCount)
}
