package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Leafline/compliance-sync/e"
	qmodel "github.com/Leafline/compliance-sync/queue/model"
)

const (
	// DefaultStaleHeartbeat how long a processing job may go without a
	// heartbeat before the sweep reclaims it
	DefaultStaleHeartbeat = 10 * time.Minute

	ECode060201 = e.Code0602 + "01"
	ECode060202 = e.Code0602 + "02"
	ECode060203 = e.Code0602 + "03"
	ECode060204 = e.Code0602 + "04"
	ECode060205 = e.Code0602 + "05"
	ECode060206 = e.Code0602 + "06"
	ECode060207 = e.Code0602 + "07"
	ECode060208 = e.Code0602 + "08"
	ECode060209 = e.Code0602 + "09"
	ECode06020A = e.Code0602 + "0A"
	ECode06020B = e.Code0602 + "0B"
	ECode06020C = e.Code0602 + "0C"
	ECode06020D = e.Code0602 + "0D"
	ECode06020E = e.Code0602 + "0E"
	ECode06020F = e.Code0602 + "0F"
	ECode060210 = e.Code0602 + "10"
	ECode060211 = e.Code0602 + "11"
)

// Publisher emits sync lifecycle events. A nil publisher disables
// publishing.
type Publisher interface {
	PublishJobEvent(ctx context.Context, sj *qmodel.SyncJob, licenseNumber string) error
}

// ScopePlan tells a caller building a job what window to sync for one
// entity type
type ScopePlan struct {
	FullSync bool
	// Since is nil for a full sync, otherwise the checkpoint cursor minus
	// the safety lookback
	Since *time.Time
}

// Orchestrator runs the job lifecycle around the pool
type Orchestrator struct {
	Store          Store
	Client         Client
	Events         Publisher
	MaxGoRoutines  int
	CallTimeout    time.Duration
	StaleHeartbeat time.Duration
	Log            zerolog.Logger
}

// PlanScope consults the checkpoint to decide between an incremental and a
// full sync window for the license, entity type and direction
func (o *Orchestrator) PlanScope(licenseID int,
	entityType, direction string) (plan *ScopePlan, err error) {
	c, err := o.Store.GetOrCreateCheckpoint(licenseID, entityType, direction)
	if err != nil {
		return nil, e.W(err, ECode060201)
	}

	if c.RequiresFullSync() {
		return &ScopePlan{FullSync: true}, nil
	}

	return &ScopePlan{Since: c.NextSyncStart()}, nil
}

// RunSync runs the pending sync for the license and direction. The license
// must be due per its policy, configuration problems stop the run before
// the job starts so they never consume its retry budget.
func (o *Orchestrator) RunSync(ctx context.Context, licenseID int,
	direction string) (err error) {
	lic, err := o.Store.GetLicense(licenseID)
	if err != nil {
		return e.W(err, ECode060202)
	}

	if !lic.IsSyncDue(time.Now()) {
		return e.N(ECode060204, e.MsgLicenseNotDue)
	}

	sj, err := o.Store.FindRunnableJob(licenseID, direction)
	if err != nil {
		return e.W(err, ECode060202)
	}
	if sj == nil {
		return e.N(ECode060202, e.MsgSyncJobDoesNotExist)
	}

	return o.RunJob(ctx, sj.ID)
}

// RunJob executes one run of the job: verifies the license is eligible,
// plans the sync scope per entity type, starts the job, drains its items
// through the pool and finalizes job, checkpoint and license state from
// the outcome
func (o *Orchestrator) RunJob(ctx context.Context, jobID int) (err error) {
	sj, err := o.Store.GetJob(jobID)
	if err != nil {
		return e.W(err, ECode060202)
	}

	lic, err := o.Store.GetLicense(sj.LicenseID)
	if err != nil {
		return e.W(err, ECode060203)
	}

	if !lic.IsActive {
		return e.N(ECode060204, e.MsgLicenseInvalid+": license is inactive")
	}
	if !lic.HasCredentials() {
		return e.N(ECode060204, e.MsgLicenseCredentialsMissing)
	}

	etList, err := o.Store.ItemEntityTypes(sj.ID)
	if err != nil {
		return e.W(err, ECode060211)
	}
	for _, et := range etList {
		plan, err := o.PlanScope(sj.LicenseID, et, sj.Direction)
		if err != nil {
			return e.W(err, ECode060211)
		}

		ev := o.Log.Info().
			Int("job", sj.ID).
			Str("entityType", et).
			Bool("fullSync", plan.FullSync)
		if plan.Since != nil {
			ev = ev.Time("since", *plan.Since)
		}
		ev.Msg("sync scope planned")
	}

	counts, err := o.Store.CountItemsByStatus(sj.ID)
	if err != nil {
		return e.W(err, ECode060205)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	if err := sj.Start(total); err != nil {
		return e.W(err, ECode060206)
	}
	if err := o.Store.SaveJob(sj); err != nil {
		return e.W(err, ECode060206)
	}

	o.Log.Info().
		Int("job", sj.ID).
		Int("license", sj.LicenseID).
		Str("direction", sj.Direction).
		Int("totalItems", total).
		Msg("sync job started")

	pool := &Pool{
		Store:         o.Store,
		Client:        o.Client,
		MaxGoRoutines: o.MaxGoRoutines,
		CallTimeout:   o.CallTimeout,
		Log:           o.Log,
	}

	out, runErr := pool.Run(ctx, sj, lic)
	if runErr != nil {
		// The run itself broke (store failure, cancellation). The items
		// already persisted their own transitions, fail the run.
		if failErr := sj.Fail("sync run aborted", runErr.Error()); failErr != nil {
			return e.W(failErr, ECode060207)
		}
		if err := o.Store.SaveJob(sj); err != nil {
			return e.W(err, ECode060207)
		}
		o.publish(ctx, sj, lic.LicenseNumber)
		return e.W(runErr, ECode060207)
	}

	return o.finalize(ctx, sj, lic.LicenseNumber, out)
}

// finalize concludes the run: a clean outcome completes the job and
// advances the checkpoints, any failed item fails the run against its
// retry budget
func (o *Orchestrator) finalize(ctx context.Context, sj *qmodel.SyncJob,
	licenseNumber string, out *Outcome) (err error) {
	counts, err := o.Store.CountItemsByStatus(sj.ID)
	if err != nil {
		return e.W(err, ECode060208)
	}

	unresolved := counts[qmodel.QueueItemStatusPending] +
		counts[qmodel.QueueItemStatusProcessing] +
		counts[qmodel.QueueItemStatusFailed] +
		counts[qmodel.QueueItemStatusManualReview] +
		counts[qmodel.QueueItemStatusFailedPermanent]

	if unresolved == 0 {
		if err := sj.Complete(); err != nil {
			return e.W(err, ECode060209)
		}
		if err := o.Store.SaveJob(sj); err != nil {
			return e.W(err, ECode060209)
		}

		if err := o.advanceCheckpoints(sj, out); err != nil {
			return e.W(err, ECode060209)
		}

		if err := o.Store.RecordLicenseSync(sj.LicenseID, true, ""); err != nil {
			return e.W(err, ECode060209)
		}

		o.Log.Info().
			Int("job", sj.ID).
			Int("successful", sj.SuccessfulItems).
			Dur("duration", sj.Duration()).
			Msg("sync job completed")

		o.publish(ctx, sj, licenseNumber)
		return nil
	}

	msg := fmt.Sprintf("%d of %d items unresolved", unresolved, sj.TotalItems)
	if err := sj.Fail(msg, fmt.Sprintf("item status counts: %+v", counts)); err != nil {
		return e.W(err, ECode06020A)
	}
	if err := o.Store.SaveJob(sj); err != nil {
		return e.W(err, ECode06020A)
	}

	if err := o.failCheckpoints(sj, msg); err != nil {
		return e.W(err, ECode06020A)
	}

	if err := o.Store.RecordLicenseSync(sj.LicenseID, false, msg); err != nil {
		return e.W(err, ECode06020A)
	}

	o.Log.Warn().
		Int("job", sj.ID).
		Str("status", sj.Status).
		Str("reason", msg).
		Msg("sync job did not complete cleanly")

	o.publish(ctx, sj, licenseNumber)
	return nil
}

// advanceCheckpoints moves the cursor forward for every entity type the
// job touched. The cursor lands on the run's start heartbeat, not now(),
// so records written mid run are not skipped by the next window.
func (o *Orchestrator) advanceCheckpoints(sj *qmodel.SyncJob, out *Outcome) (err error) {
	etList, err := o.Store.ItemEntityTypes(sj.ID)
	if err != nil {
		return e.W(err, ECode06020B)
	}

	syncTimestamp := time.Now()
	if sj.StartedAt != nil {
		syncTimestamp = *sj.StartedAt
	}

	for _, et := range etList {
		c, err := o.Store.GetOrCreateCheckpoint(sj.LicenseID, et, sj.Direction)
		if err != nil {
			return e.W(err, ECode06020B)
		}
		if err := o.Store.RecordCheckpointSuccess(c, syncTimestamp,
			out.LastExternalID, out.Successful); err != nil {
			return e.W(err, ECode06020B)
		}
	}

	return nil
}

func (o *Orchestrator) failCheckpoints(sj *qmodel.SyncJob, msg string) (err error) {
	etList, err := o.Store.ItemEntityTypes(sj.ID)
	if err != nil {
		return e.W(err, ECode06020B)
	}

	for _, et := range etList {
		c, err := o.Store.GetOrCreateCheckpoint(sj.LicenseID, et, sj.Direction)
		if err != nil {
			return e.W(err, ECode06020B)
		}
		if err := o.Store.RecordCheckpointFailure(c, msg); err != nil {
			return e.W(err, ECode06020B)
		}
	}

	return nil
}

// CancelJob aborts the job and cascades the cancel to its non terminal
// items
func (o *Orchestrator) CancelJob(jobID int, reason string) (err error) {
	if err := o.Store.CancelJob(jobID, reason); err != nil {
		return e.W(err, ECode06020C)
	}

	o.Log.Info().Int("job", jobID).Str("reason", reason).Msg("sync job cancelled")

	return nil
}

// ReclaimStale sweeps processing jobs whose heartbeat has gone quiet,
// returns their in flight items to failed without consuming retry budget
// and fails the run so its own budget decides whether it restarts
func (o *Orchestrator) ReclaimStale(ctx context.Context) (reclaimed int, err error) {
	staleHeartbeat := o.StaleHeartbeat
	if staleHeartbeat <= 0 {
		staleHeartbeat = DefaultStaleHeartbeat
	}
	cutoff := time.Now().Add(-staleHeartbeat)

	sjList, err := o.Store.StaleJobs(cutoff)
	if err != nil {
		return 0, e.W(err, ECode06020D)
	}

	for _, sj := range sjList {
		n, err := o.Store.ReleaseJobItems(sj.ID, "worker heartbeat lost")
		if err != nil {
			return reclaimed, e.W(err, ECode06020E)
		}

		if err := sj.Fail("worker heartbeat lost",
			fmt.Sprintf("%d in flight items released", n)); err != nil {
			return reclaimed, e.W(err, ECode06020F)
		}
		if err := o.Store.SaveJob(sj); err != nil {
			return reclaimed, e.W(err, ECode060210)
		}

		o.Log.Warn().
			Int("job", sj.ID).
			Int64("released", n).
			Time("heartbeatCutoff", cutoff).
			Msg("stale sync job reclaimed")

		reclaimed++
	}

	return reclaimed, nil
}

func (o *Orchestrator) publish(ctx context.Context, sj *qmodel.SyncJob,
	licenseNumber string) {
	if o.Events == nil {
		return
	}

	if err := o.Events.PublishJobEvent(ctx, sj, licenseNumber); err != nil {
		// Event delivery is best effort, the durable state is in postgres
		o.Log.Warn().Err(err).Int("job", sj.ID).Msg("job event publish failed")
	}
}
