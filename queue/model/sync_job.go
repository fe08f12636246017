package model

import (
	"fmt"
	"time"

	"github.com/Leafline/compliance-sync/e"
)

const (
	SyncJobStatusPending         = "pending"
	SyncJobStatusProcessing      = "processing"
	SyncJobStatusCompleted       = "completed"
	SyncJobStatusFailed          = "failed"
	SyncJobStatusFailedPermanent = "failed_permanent"
	SyncJobStatusManualReview    = "manual_review"
	SyncJobStatusCancelled       = "cancelled"

	SyncJobDirectionOutbound = "outbound"
	SyncJobDirectionInbound  = "inbound"

	// SyncJobDefaultMaxRetries the job level retry budget, independent from
	// the item level budgets
	SyncJobDefaultMaxRetries = 3

	ECode050301 = e.Code0503 + "01"
	ECode050302 = e.Code0503 + "02"
	ECode050303 = e.Code0503 + "03"
	ECode050304 = e.Code0503 + "04"
	ECode050305 = e.Code0503 + "05"
	ECode050306 = e.Code0503 + "06"
	ECode050307 = e.Code0503 + "07"
)

// SyncJob one execution run grouping queue items for a license and
// direction. Aggregates item outcomes into run level progress and exposes
// the run's terminal state. The job retry budget counts whole-run retries
// and is independent from the per item budgets.
type SyncJob struct {
	ID              int
	LicenseID       int
	Direction       string
	RunToken        string
	Status          string
	TotalItems      int
	ProcessedItems  int
	SuccessfulItems int
	FailedItems     int
	RetryCount      int
	MaxRetries      int
	HeartbeatAt     *time.Time
	ErrorMessage    string
	ErrorDetails    string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedOn       time.Time
	UpdatedOn       time.Time
}

// Start transitions the job to processing and fixes the item count for the
// run. Only valid from pending or failed.
func (sj *SyncJob) Start(totalItems int) (err error) {
	if sj.Status != SyncJobStatusPending && sj.Status != SyncJobStatusFailed {
		return e.N(ECode050301, fmt.Sprintf("%s: cannot start from '%s'",
			e.MsgInvalidTransition, sj.Status))
	}

	now := time.Now()
	sj.Status = SyncJobStatusProcessing
	sj.TotalItems = totalItems
	sj.StartedAt = &now
	sj.HeartbeatAt = &now

	return nil
}

// RecordProgress updates the aggregate counters and heartbeats the job.
// Counters are monotonically non decreasing within a run and processed must
// equal successful + failed.
func (sj *SyncJob) RecordProgress(processed, successful, failed int) (err error) {
	if sj.Status != SyncJobStatusProcessing {
		return e.N(ECode050302, fmt.Sprintf("%s: cannot record progress from '%s'",
			e.MsgInvalidTransition, sj.Status))
	}

	if processed != successful+failed {
		return e.N(ECode050303, fmt.Sprintf(
			"processed (%d) must equal successful (%d) + failed (%d)",
			processed, successful, failed))
	}

	if processed < sj.ProcessedItems || successful < sj.SuccessfulItems ||
		failed < sj.FailedItems {
		return e.N(ECode050303, "progress counters cannot decrease")
	}

	now := time.Now()
	sj.ProcessedItems = processed
	sj.SuccessfulItems = successful
	sj.FailedItems = failed
	sj.HeartbeatAt = &now

	return nil
}

// Complete ends the run successfully. Only meaningful once all items have
// reached a terminal state, which the orchestrator is responsible for.
func (sj *SyncJob) Complete() (err error) {
	if sj.Status != SyncJobStatusProcessing {
		return e.N(ECode050304, fmt.Sprintf("%s: cannot complete from '%s'",
			e.MsgInvalidTransition, sj.Status))
	}

	now := time.Now()
	sj.Status = SyncJobStatusCompleted
	sj.ErrorMessage = ""
	sj.ErrorDetails = ""
	sj.CompletedAt = &now

	return nil
}

// Fail records a run level failure against the job's own retry budget
func (sj *SyncJob) Fail(msg, details string) (err error) {
	if sj.Status != SyncJobStatusProcessing {
		return e.N(ECode050305, fmt.Sprintf("%s: cannot fail from '%s'",
			e.MsgInvalidTransition, sj.Status))
	}

	sj.RetryCount++
	sj.ErrorMessage = msg
	sj.ErrorDetails = details

	if sj.RetryCount >= sj.MaxRetries {
		now := time.Now()
		sj.Status = SyncJobStatusFailedPermanent
		sj.CompletedAt = &now
		return nil
	}

	sj.Status = SyncJobStatusFailed

	return nil
}

// RequireManualReview flags the run for operator intervention
func (sj *SyncJob) RequireManualReview(reason string) (err error) {
	if sj.IsTerminal() {
		return e.N(ECode050306, fmt.Sprintf("%s: cannot require manual review from '%s'",
			e.MsgInvalidTransition, sj.Status))
	}

	sj.Status = SyncJobStatusManualReview
	sj.ErrorMessage = reason

	return nil
}

// Cancel administratively aborts the run from any non terminal state. The
// orchestrator cascades the cancel to the job's non terminal items.
func (sj *SyncJob) Cancel(reason string) (err error) {
	if sj.IsTerminal() {
		return e.N(ECode050307, fmt.Sprintf("%s: cannot cancel from '%s'",
			e.MsgInvalidTransition, sj.Status))
	}

	now := time.Now()
	sj.Status = SyncJobStatusCancelled
	sj.ErrorMessage = reason
	sj.CompletedAt = &now

	return nil
}

// CanRetry reports whether the run has retry budget left
func (sj *SyncJob) CanRetry() bool {
	return sj.Status == SyncJobStatusFailed && sj.RetryCount < sj.MaxRetries
}

// IsTerminal reports whether the run has ended
func (sj *SyncJob) IsTerminal() bool {
	switch sj.Status {
	case SyncJobStatusCompleted, SyncJobStatusFailedPermanent, SyncJobStatusCancelled:
		return true
	}
	return false
}

// Duration the run time so far, or the total run time once ended
func (sj *SyncJob) Duration() time.Duration {
	if sj.StartedAt == nil {
		return 0
	}

	if sj.CompletedAt != nil {
		return sj.CompletedAt.Sub(*sj.StartedAt)
	}

	return time.Since(*sj.StartedAt)
}
