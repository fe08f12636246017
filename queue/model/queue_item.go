package model

import (
	"fmt"
	"time"

	"github.com/Leafline/compliance-sync/e"
)

const (
	QueueItemStatusPending         = "pending"
	QueueItemStatusProcessing      = "processing"
	QueueItemStatusCompleted       = "completed"
	QueueItemStatusFailed          = "failed"
	QueueItemStatusFailedPermanent = "failed_permanent"
	QueueItemStatusManualReview    = "manual_review"
	QueueItemStatusCancelled       = "cancelled"

	// QueueItemDefaultMaxRetries applied when the caller does not specify a
	// retry budget
	QueueItemDefaultMaxRetries = 5

	ECode050201 = e.Code0502 + "01"
	ECode050202 = e.Code0502 + "02"
	ECode050203 = e.Code0502 + "03"
	ECode050204 = e.Code0502 + "04"
	ECode050205 = e.Code0502 + "05"
)

// QueueItem one durable unit of work: a single create/update/etc operation
// against one entity instance, to be mirrored into the state compliance
// system. The item is the unit that is retried, backed off and ordered.
type QueueItem struct {
	ID              int
	JobID           int
	LicenseID       int
	EntityType      string
	OperationType   string
	EntityID        string
	ExternalID      string
	ExternalLabel   string
	Payload         []byte
	Priority        int
	DependsOnItemID *int
	IdempotencyKey  string
	RetryCount      int
	MaxRetries      int
	ScheduledAt     *time.Time
	Status          string
	ErrorMessage    string
	ErrorCode       string
	ResponseBody    string
	CreatedOn       time.Time
	UpdatedOn       time.Time
	CompletedOn     *time.Time
}

// EnsureIdempotencyKey derives a deterministic key from the entity id,
// operation type and creation tick when the caller did not supply one. A
// caller supplied key is always preferred, the derived key is a best effort
// fallback.
func (qi *QueueItem) EnsureIdempotencyKey(createdAt time.Time) {
	if qi.IdempotencyKey != "" {
		return
	}

	qi.IdempotencyKey = fmt.Sprintf("%s:%s:%s:%d",
		qi.EntityType, qi.EntityID, qi.OperationType, createdAt.UnixNano())
}

// MarkProcessing transitions the item to processing. Only valid from
// pending or failed.
func (qi *QueueItem) MarkProcessing() (err error) {
	if qi.Status != QueueItemStatusPending && qi.Status != QueueItemStatusFailed {
		return e.N(ECode050201, fmt.Sprintf("%s: cannot mark processing from '%s'",
			e.MsgQueueItemNotClaimable, qi.Status))
	}

	qi.Status = QueueItemStatusProcessing

	return nil
}

// Complete records a successful submission. The external id/label may be
// the same as already known or newer, the call is idempotent in effect.
func (qi *QueueItem) Complete(externalID, externalLabel, response string) (err error) {
	if qi.Status != QueueItemStatusProcessing {
		return e.N(ECode050202, fmt.Sprintf("%s: cannot complete from '%s'",
			e.MsgInvalidTransition, qi.Status))
	}

	now := time.Now()
	qi.Status = QueueItemStatusCompleted
	if externalID != "" {
		qi.ExternalID = externalID
	}
	if externalLabel != "" {
		qi.ExternalLabel = externalLabel
	}
	qi.ResponseBody = response
	qi.ErrorMessage = ""
	qi.ErrorCode = ""
	qi.ScheduledAt = nil
	qi.CompletedOn = &now

	return nil
}

// Fail records a failed attempt. The retry count is incremented first; once
// it reaches the retry budget the item becomes failed_permanent (terminal),
// otherwise it returns to failed with an exponential backoff schedule of
// 2^retryCount minutes.
func (qi *QueueItem) Fail(msg, code, response string) (err error) {
	if qi.Status != QueueItemStatusProcessing {
		return e.N(ECode050203, fmt.Sprintf("%s: cannot fail from '%s'",
			e.MsgInvalidTransition, qi.Status))
	}

	qi.RetryCount++
	qi.ErrorMessage = msg
	qi.ErrorCode = code
	qi.ResponseBody = response

	if qi.RetryCount >= qi.MaxRetries {
		now := time.Now()
		qi.Status = QueueItemStatusFailedPermanent
		qi.ScheduledAt = nil
		qi.CompletedOn = &now
		return nil
	}

	next := time.Now().Add(time.Duration(1<<uint(qi.RetryCount)) * time.Minute)
	qi.Status = QueueItemStatusFailed
	qi.ScheduledAt = &next

	return nil
}

// RequireManualReview flags a non retryable semantic error, e.g. the
// external system already holds a conflicting record. Distinct from an
// exhausted retry budget, there is no automatic exit from this state.
func (qi *QueueItem) RequireManualReview(reason string) (err error) {
	if qi.IsTerminal() {
		return e.N(ECode050204, fmt.Sprintf("%s: cannot require manual review from '%s'",
			e.MsgInvalidTransition, qi.Status))
	}

	qi.Status = QueueItemStatusManualReview
	qi.ErrorMessage = reason
	qi.ScheduledAt = nil

	return nil
}

// Cancel administratively aborts the item from any non terminal state
func (qi *QueueItem) Cancel(reason string) (err error) {
	if qi.IsTerminal() {
		return e.N(ECode050205, fmt.Sprintf("%s: cannot cancel from '%s'",
			e.MsgInvalidTransition, qi.Status))
	}

	now := time.Now()
	qi.Status = QueueItemStatusCancelled
	qi.ErrorMessage = reason
	qi.ScheduledAt = nil
	qi.CompletedOn = &now

	return nil
}

// IsReadyForProcessing the predicate a worker uses to claim work. Does not
// account for the dependency gate, which requires a lookup of the other
// item and is enforced at claim time.
func (qi *QueueItem) IsReadyForProcessing(now time.Time) bool {
	if qi.Status != QueueItemStatusPending && qi.Status != QueueItemStatusFailed {
		return false
	}

	return qi.ScheduledAt == nil || !qi.ScheduledAt.After(now)
}

// CanRetry reports whether the item has retry budget left
func (qi *QueueItem) CanRetry() bool {
	return qi.Status == QueueItemStatusFailed && qi.RetryCount < qi.MaxRetries
}

// IsTerminal reports whether the item is in a terminal status. Terminal
// items are immutable except for response/error bookkeeping.
func (qi *QueueItem) IsTerminal() bool {
	switch qi.Status {
	case QueueItemStatusCompleted, QueueItemStatusFailedPermanent, QueueItemStatusCancelled:
		return true
	}
	return false
}
