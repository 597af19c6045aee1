package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"proposal-workflow/backend/internal/logging"
	"proposal-workflow/backend/internal/metrics"
	"proposal-workflow/backend/internal/outcome"
	"proposal-workflow/backend/internal/toolclient"
	"proposal-workflow/backend/pkg/models"
)

// OutcomeRecorder appends terminal outcomes of background calls.
type OutcomeRecorder interface {
	AppendAsyncOutcome(ctx context.Context, o *models.AsyncOutcome) error
}

// Job is a background tool call bound to the attempt that scheduled it.
type Job struct {
	AttemptID  string
	ProposalID string
	Transition string
	Call       AsyncCall
}

// Dispatcher runs background tool calls on a bounded pool. Callers never wait
// on a job; Wait exists for shutdown and tests.
type Dispatcher struct {
	tools  Invoker
	audit  OutcomeRecorder
	logger *logging.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	now    func() time.Time
}

const defaultAsyncWorkers = 8

// NewDispatcher creates a Dispatcher running at most workers calls at once.
func NewDispatcher(tools Invoker, audit OutcomeRecorder, workers int, logger *logging.Logger) *Dispatcher {
	if workers <= 0 {
		workers = defaultAsyncWorkers
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		tools:  tools,
		audit:  audit,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(workers)),
		now:    time.Now,
	}
}

// Dispatch starts job in the background.
func (d *Dispatcher) Dispatch(job Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx := context.Background()
		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.logger.Error("failed to acquire async worker", "attempt_id", job.AttemptID, "error", err)
			return
		}
		defer d.sem.Release(1)
		d.run(ctx, job)
	}()
}

func (d *Dispatcher) run(ctx context.Context, job Job) {
	metrics.RecordAsyncStart()
	res, err := d.tools.Invoke(ctx, job.Call.Tool, job.Call.Op, job.Call.Source)

	o := &models.AsyncOutcome{
		AttemptID:   job.AttemptID,
		ProposalID:  job.ProposalID,
		Transition:  job.Transition,
		OperationID: job.Call.Op.OperationID,
		Status:      CallStatus(res, err),
		FinishedAt:  d.now().UTC(),
	}
	if res != nil {
		o.Execution = res.Execution
	}
	if err != nil {
		o.Error = err.Error()
	}
	metrics.RecordAsyncEnd(o.OperationID, o.Status)

	if aerr := d.audit.AppendAsyncOutcome(ctx, o); aerr != nil {
		d.logger.Error("failed to record async outcome",
			"attempt_id", job.AttemptID, "operation", o.OperationID, "status", o.Status, "error", aerr)
		return
	}
	d.logger.Info("async tool call finished",
		"attempt_id", job.AttemptID, "proposal_id", job.ProposalID, "operation", o.OperationID, "status", o.Status)
}

// CallStatus classifies a finished tool call for the audit log.
func CallStatus(res *toolclient.Result, err error) string {
	switch {
	case err == nil && res != nil && res.Validation != nil && res.Validation.Failed():
		return models.AsyncValidationFailed
	case err == nil:
		return models.AsyncSuccess
	case isServiceError(outcome.KindOf(err)):
		return models.AsyncServiceError
	default:
		return models.AsyncFailed
	}
}

// Wait blocks until every dispatched job finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
