// Package worker drains sync jobs against the state compliance authority.
// A pool of goroutines claims ready queue items one at a time, submits them
// through a Client and persists the resulting transitions. The orchestrator
// wraps a pool run with the job lifecycle: preconditions, checkpoint and
// license bookkeeping and the stale run sweep.
package worker

import (
	"context"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Leafline/compliance-sync/e"
	lmodel "github.com/Leafline/compliance-sync/license/model"
	qmodel "github.com/Leafline/compliance-sync/queue/model"
)

const (
	// DefaultMaxGoRoutines worker goroutines per job run
	DefaultMaxGoRoutines = 4
	// DefaultCallTimeout per submission to the authority
	DefaultCallTimeout = 30 * time.Second

	ECode060101 = e.Code0601 + "01"
	ECode060102 = e.Code0601 + "02"
	ECode060103 = e.Code0601 + "03"
)

// Outcome aggregates one pool run over a job
type Outcome struct {
	Processed      int
	Successful     int
	Failed         int
	LastExternalID string
}

// Pool processes the claimable items of a single job with a bounded number
// of goroutines
type Pool struct {
	Store         Store
	Client        Client
	MaxGoRoutines int
	CallTimeout   time.Duration
	Log           zerolog.Logger
}

type itemResult struct {
	itemID     int
	status     string
	externalID string
	err        error
}

// Run drains the job: waves of workers claim items until a full wave claims
// nothing. Items whose backoff schedules them into the future, or that are
// gated on an item another run must finish, are left for a later run.
// Progress and the heartbeat are persisted as each item resolves.
func (p *Pool) Run(ctx context.Context, sj *qmodel.SyncJob,
	lic *lmodel.License) (out *Outcome, err error) {
	maxGoRoutines := p.MaxGoRoutines
	if maxGoRoutines <= 0 {
		maxGoRoutines = DefaultMaxGoRoutines
	}

	// Progress is cumulative across runs of the same job, so a retried run
	// adds onto the counters the prior run left behind
	baseProcessed := sj.ProcessedItems
	baseSuccessful := sj.SuccessfulItems
	baseFailed := sj.FailedItems

	out = &Outcome{}
	for {
		if err := ctx.Err(); err != nil {
			return out, e.W(err, ECode060101)
		}

		resCh := make(chan itemResult, maxGoRoutines)
		var wg gosync.WaitGroup
		for i := 0; i < maxGoRoutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.runWorker(ctx, sj.ID, lic, resCh)
			}()
		}

		go func() {
			wg.Wait()
			close(resCh)
		}()

		waveProcessed := 0
		var firstErr error
		for res := range resCh {
			if res.err != nil {
				if firstErr == nil {
					firstErr = res.err
				}
				continue
			}

			waveProcessed++
			out.Processed++
			if res.status == qmodel.QueueItemStatusCompleted {
				out.Successful++
				out.LastExternalID = res.externalID
			} else {
				out.Failed++
			}

			// Persist after every item so the heartbeat keeps moving while
			// the wave is in flight and the stale sweep can tell a long run
			// from a dead one. The channel must still drain on error, the
			// workers would block on a full buffer otherwise.
			if firstErr != nil {
				continue
			}
			if err := sj.RecordProgress(baseProcessed+out.Processed,
				baseSuccessful+out.Successful, baseFailed+out.Failed); err != nil {
				firstErr = e.W(err, ECode060103)
				continue
			}
			if err := p.Store.SaveJob(sj); err != nil {
				firstErr = e.W(err, ECode060103)
			}
		}

		if firstErr != nil {
			return out, e.W(firstErr, ECode060102)
		}

		if waveProcessed > 0 {
			continue
		}

		return out, nil
	}
}

// runWorker claims and processes items until no item is claimable. Errors
// from the store abort the worker, submission failures do not, they are the
// item's failure to record.
func (p *Pool) runWorker(ctx context.Context, jobID int, lic *lmodel.License,
	resCh chan<- itemResult) {
	for {
		if ctx.Err() != nil {
			return
		}

		qi, err := p.Store.ClaimNextItem(jobID)
		if err != nil {
			resCh <- itemResult{err: err}
			return
		}
		if qi == nil {
			return
		}

		res := p.processItem(ctx, qi, lic)
		resCh <- res
		if res.err != nil {
			return
		}
	}
}

// processItem submits one claimed item and persists the transition the
// response dictates
func (p *Pool) processItem(ctx context.Context, qi *qmodel.QueueItem,
	lic *lmodel.License) itemResult {
	timeout := p.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := &SubmitRequest{
		LicenseNumber:      lic.LicenseNumber,
		StateCode:          lic.StateCode,
		Sandbox:            lic.IsSandbox,
		VendorKeyEncrypted: lic.VendorKeyEncrypted,
		UserKeyEncrypted:   lic.UserKeyEncrypted,
		EntityType:         qi.EntityType,
		OperationType:      qi.OperationType,
		EntityID:           qi.EntityID,
		ExternalID:         qi.ExternalID,
		IdempotencyKey:     qi.IdempotencyKey,
		Payload:            qi.Payload,
	}

	result, submitErr := p.Client.Submit(callCtx, req)
	if submitErr == nil {
		if err := qi.Complete(result.ExternalID, result.ExternalLabel,
			result.ResponseBody); err != nil {
			return itemResult{itemID: qi.ID, err: err}
		}
	} else if ae := AsAPIError(submitErr); ae != nil && ae.Semantic {
		if err := qi.RequireManualReview(ae.Message); err != nil {
			return itemResult{itemID: qi.ID, err: err}
		}
		qi.ErrorCode = ae.Code
		qi.ResponseBody = ae.ResponseBody
	} else {
		msg, code, body := submitErr.Error(), "", ""
		if ae != nil {
			msg, code, body = ae.Message, ae.Code, ae.ResponseBody
		}
		if err := qi.Fail(msg, code, body); err != nil {
			return itemResult{itemID: qi.ID, err: err}
		}
	}

	if err := p.Store.SaveItem(qi); err != nil {
		return itemResult{itemID: qi.ID, err: err}
	}

	p.Log.Debug().
		Int("item", qi.ID).
		Str("entityType", qi.EntityType).
		Str("status", qi.Status).
		Msg("queue item processed")

	return itemResult{
		itemID:     qi.ID,
		status:     qi.Status,
		externalID: qi.ExternalID,
	}
}
