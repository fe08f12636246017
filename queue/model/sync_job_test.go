package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingJob() *SyncJob {
	return &SyncJob{
		ID:         1,
		LicenseID:  1,
		Direction:  SyncJobDirectionOutbound,
		Status:     SyncJobStatusPending,
		MaxRetries: 3,
	}
}

func TestSyncJobStart(t *testing.T) {
	sj := pendingJob()
	require.NoError(t, sj.Start(5))

	assert.Equal(t, SyncJobStatusProcessing, sj.Status)
	assert.Equal(t, 5, sj.TotalItems)
	assert.NotNil(t, sj.StartedAt)
	assert.NotNil(t, sj.HeartbeatAt)

	// Cannot start an already running job
	assert.Error(t, sj.Start(5))

	// A failed job with budget can restart
	require.NoError(t, sj.Fail("worker died", ""))
	assert.Equal(t, SyncJobStatusFailed, sj.Status)
	assert.NoError(t, sj.Start(5))
}

func TestSyncJobRecordProgress(t *testing.T) {
	sj := pendingJob()

	// Progress requires a running job
	assert.Error(t, sj.RecordProgress(1, 1, 0))

	require.NoError(t, sj.Start(3))
	require.NoError(t, sj.RecordProgress(2, 1, 1))

	// processed must equal successful + failed
	assert.Error(t, sj.RecordProgress(3, 1, 1))

	// Counters cannot decrease
	assert.Error(t, sj.RecordProgress(1, 1, 0))

	require.NoError(t, sj.RecordProgress(3, 2, 1))
	assert.Equal(t, 3, sj.ProcessedItems)
	assert.Equal(t, 2, sj.SuccessfulItems)
	assert.Equal(t, 1, sj.FailedItems)
	assert.NotNil(t, sj.HeartbeatAt)
}

func TestSyncJobRetryBudget(t *testing.T) {
	sj := pendingJob()

	for i := 1; i < sj.MaxRetries; i++ {
		require.NoError(t, sj.Start(1))
		require.NoError(t, sj.Fail("authority unreachable", "dial tcp: timeout"))
		assert.Equal(t, SyncJobStatusFailed, sj.Status)
		assert.Equal(t, i, sj.RetryCount)
		assert.True(t, sj.CanRetry())
	}

	require.NoError(t, sj.Start(1))
	require.NoError(t, sj.Fail("authority unreachable", ""))

	assert.Equal(t, SyncJobStatusFailedPermanent, sj.Status)
	assert.NotNil(t, sj.CompletedAt)
	assert.False(t, sj.CanRetry())
	assert.True(t, sj.IsTerminal())

	// Terminal jobs reject further transitions
	assert.Error(t, sj.Start(1))
	assert.Error(t, sj.Complete())
	assert.Error(t, sj.Fail("x", ""))
	assert.Error(t, sj.Cancel("x"))
}

func TestSyncJobComplete(t *testing.T) {
	sj := pendingJob()
	require.NoError(t, sj.Start(2))
	require.NoError(t, sj.RecordProgress(2, 2, 0))
	require.NoError(t, sj.Complete())

	assert.Equal(t, SyncJobStatusCompleted, sj.Status)
	assert.NotNil(t, sj.CompletedAt)
	assert.Empty(t, sj.ErrorMessage)
	assert.True(t, sj.IsTerminal())
}

func TestSyncJobDuration(t *testing.T) {
	sj := pendingJob()
	assert.Equal(t, time.Duration(0), sj.Duration())

	start := time.Now().Add(-2 * time.Minute)
	end := start.Add(90 * time.Second)
	sj.StartedAt = &start
	sj.CompletedAt = &end
	assert.Equal(t, 90*time.Second, sj.Duration())
}

func TestSyncJobCancel(t *testing.T) {
	sj := pendingJob()
	require.NoError(t, sj.Cancel("operator request"))

	assert.Equal(t, SyncJobStatusCancelled, sj.Status)
	assert.Equal(t, "operator request", sj.ErrorMessage)
	assert.NotNil(t, sj.CompletedAt)
}
