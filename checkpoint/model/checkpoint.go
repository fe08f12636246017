package model

import (
	"time"
)

const (
	SyncDirectionOutbound = "outbound"
	SyncDirectionInbound  = "inbound"

	// FullSyncFailureThreshold consecutive failures at which incremental
	// syncing is abandoned in favor of a full resync
	FullSyncFailureThreshold = 3

	// SyncStartLookback safety window subtracted from the stored cursor so
	// records that were in flight at the last checkpoint are not missed
	SyncStartLookback = 5 * time.Minute
)

// Checkpoint the per (license, entity type, direction) cursor tracking the
// last synced position. It is the sole authority for the incremental vs
// full resync decision.
type Checkpoint struct {
	ID                  int
	LicenseID           int
	EntityType          string
	Direction           string
	LastSyncTimestamp   *time.Time
	LastExternalID      string
	LastItemCount       int
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	LastError           string
	ConsecutiveFailures int
	CreatedOn           time.Time
	UpdatedOn           time.Time
}

// RecordSuccess stores the new cursor and resets the consecutive failure
// counter. This is the only way forward progress is made.
func (c *Checkpoint) RecordSuccess(syncTimestamp time.Time, lastExternalID string,
	itemCount int) {
	now := time.Now()
	c.LastSyncTimestamp = &syncTimestamp
	c.LastExternalID = lastExternalID
	c.LastItemCount = itemCount
	c.LastSuccessAt = &now
	c.LastError = ""
	c.ConsecutiveFailures = 0
}

// RecordFailure increments the consecutive failure counter and stores the
// error. The cursor is not moved.
func (c *Checkpoint) RecordFailure(msg string) {
	now := time.Now()
	c.LastFailureAt = &now
	c.LastError = msg
	c.ConsecutiveFailures++
}

// Reset clears the cursor and failure counter, forcing a full resync on the
// next run. Used by an operator after a manual data integrity fix.
func (c *Checkpoint) Reset() {
	c.LastSyncTimestamp = nil
	c.LastExternalID = ""
	c.LastItemCount = 0
	c.ConsecutiveFailures = 0
}

// NextSyncStart returns the stored cursor minus the safety lookback, or nil
// if no prior sync exists
func (c *Checkpoint) NextSyncStart() *time.Time {
	if c.LastSyncTimestamp == nil {
		return nil
	}

	t := c.LastSyncTimestamp.Add(-SyncStartLookback)
	return &t
}

// RequiresFullSync reports whether the next run must be a full entity sweep
// rather than a windowed incremental pull
func (c *Checkpoint) RequiresFullSync() bool {
	return c.LastSyncTimestamp == nil ||
		c.ConsecutiveFailures >= FullSyncFailureThreshold
}
