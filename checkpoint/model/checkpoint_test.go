package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointRecordSuccess(t *testing.T) {
	c := &Checkpoint{
		LicenseID:  1,
		EntityType: "package",
		Direction:  SyncDirectionOutbound,
	}

	// No prior sync means full sync
	assert.True(t, c.RequiresFullSync())
	assert.Nil(t, c.NextSyncStart())

	cursor := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.RecordSuccess(cursor, "EXT-42", 17)

	require.NotNil(t, c.LastSyncTimestamp)
	assert.Equal(t, cursor, *c.LastSyncTimestamp)
	assert.Equal(t, "EXT-42", c.LastExternalID)
	assert.Equal(t, 17, c.LastItemCount)
	assert.Equal(t, 0, c.ConsecutiveFailures)
	assert.False(t, c.RequiresFullSync())

	// Next window starts before the cursor by the safety lookback
	next := c.NextSyncStart()
	require.NotNil(t, next)
	assert.Equal(t, cursor.Add(-SyncStartLookback), *next)
}

func TestCheckpointFailureDoesNotMoveCursor(t *testing.T) {
	cursor := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := &Checkpoint{}
	c.RecordSuccess(cursor, "EXT-1", 1)

	c.RecordFailure("authority unreachable")
	c.RecordFailure("authority unreachable")

	require.NotNil(t, c.LastSyncTimestamp)
	assert.Equal(t, cursor, *c.LastSyncTimestamp)
	assert.Equal(t, 2, c.ConsecutiveFailures)
	assert.Equal(t, "authority unreachable", c.LastError)
	assert.False(t, c.RequiresFullSync())
}

func TestCheckpointFullSyncTrigger(t *testing.T) {
	cursor := time.Now()
	c := &Checkpoint{}
	c.RecordSuccess(cursor, "EXT-1", 1)

	for i := 0; i < FullSyncFailureThreshold; i++ {
		assert.False(t, c.RequiresFullSync())
		c.RecordFailure("timeout")
	}
	assert.True(t, c.RequiresFullSync())

	// One success resets the counter entirely
	c.RecordSuccess(time.Now(), "EXT-2", 3)
	assert.Equal(t, 0, c.ConsecutiveFailures)
	assert.False(t, c.RequiresFullSync())
}

func TestCheckpointReset(t *testing.T) {
	c := &Checkpoint{}
	c.RecordSuccess(time.Now(), "EXT-9", 5)
	c.RecordFailure("bad cursor")

	c.Reset()

	assert.Nil(t, c.LastSyncTimestamp)
	assert.Empty(t, c.LastExternalID)
	assert.Equal(t, 0, c.LastItemCount)
	assert.Equal(t, 0, c.ConsecutiveFailures)
	assert.True(t, c.RequiresFullSync())
	assert.Nil(t, c.NextSyncStart())
}
