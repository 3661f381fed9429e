// ============================================================================
// taskgate Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that claims and executes jobs, each Worker runs in an
//           independent goroutine
//
// How it works:
//   Each Worker receives deliveries from the pool's taskCh and, per delivery:
//   1. Take a slot of the job's batch (batchMaxParallel) without waiting;
//      a full batch parks the delivery and the Worker is free at once
//   2. Claim: CompareAndTransition(queued -> running, tries+1)
//      - not applied (duplicate delivery, canceled job) -> ack and skip
//   3. Execute with a task timeout while a watcher polls for cancellation
//   4. Finish: CompareAndTransition(running -> succeeded|failed)
//   5. Ack, then POST the final job view to its callback URL
//   6. Pass the batch slot to the oldest parked delivery of the batch and
//      run it, or report idle to the pool
//
// Failure model:
//   A store error during the claim acks the message anyway: the job is still
//   queued and the reconciler publishes it again once it is stale. Executor
//   errors never escape: they become the job's recorded error.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

const ackTimeout = 5 * time.Second

var (
	claimable = []types.JobStatus{types.StatusQueued}
	running   = []types.JobStatus{types.StatusRunning}
)

// Worker represents a work execution unit
type Worker struct {
	id     int
	pool   *Pool
	taskCh <-chan broker.Delivery
	logger *zap.Logger
}

func newWorker(id int, p *Pool, taskCh <-chan broker.Delivery) *Worker {
	return &Worker{
		id:     id,
		pool:   p,
		taskCh: taskCh,
		logger: p.logger.With(zap.Int("worker", id)),
	}
}

// Run processes deliveries until taskCh is closed.
func (w *Worker) Run(ctx context.Context) {
	for d := range w.taskCh {
		w.runBatch(ctx, d)
		w.pool.idle.Release(1)
	}
}

// runBatch handles d, then keeps its batch slot for the deliveries parked on
// the same batch while the pool is running.
func (w *Worker) runBatch(ctx context.Context, d broker.Delivery) {
	ticket, ok := w.pool.limiter.TryAcquire(d)
	if !ok {
		w.logger.Debug("batch full, delivery parked",
			zap.String("job_id", d.Message.ID), zap.String("batch_id", d.Message.BatchID))
		return
	}
	for {
		w.handle(ctx, d)
		next, more := ticket.Release(!w.pool.stopping())
		if !more {
			return
		}
		d = next
	}
}

func (w *Worker) handle(ctx context.Context, d broker.Delivery) {
	msg := d.Message
	log := w.logger.With(zap.String("job_id", msg.ID), zap.String("lane", string(d.Lane)))

	applied, err := w.pool.store.CompareAndTransition(ctx, msg.ID, claimable, types.StatusRunning, store.Fields{IncrementTries: true})
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("dispatch for unknown job, dropping")
		w.ack(d, log)
		return
	case err != nil:
		// The job is still queued; the reconciler publishes it again.
		log.Error("claim failed, leaving job for reconciliation", zap.Error(err))
		w.ack(d, log)
		return
	case !applied:
		log.Debug("job not claimable, skipping")
		w.ack(d, log)
		return
	}

	w.pool.metrics.IncInFlight()
	result := w.execute(ctx, msg, log)
	w.pool.metrics.DecInFlight()

	job := w.finish(ctx, result, log)
	w.ack(d, log)

	if job != nil && job.Status.IsTerminal() {
		w.pool.metrics.RecordFinished(job.Type, string(job.Status), result.Duration.Seconds())
		cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.pool.cfg.CallbackTimeout)
		_ = w.pool.notifier.Notify(cbCtx, job)
		cancel()
	}
}

// execute runs the executor for msg. The execution context is canceled on
// timeout and when the job is canceled in the store.
func (w *Worker) execute(ctx context.Context, msg types.DispatchMessage, log *zap.Logger) Result {
	start := time.Now()
	result := Result{JobID: msg.ID}

	exec, ok := w.pool.registry.Lookup(msg.Type)
	if !ok {
		result.Error = unsupported(msg.Type)
		result.Duration = time.Since(start)
		return result
	}
	params, err := msg.DecodeParams()
	if err != nil {
		result.Error = &types.JobError{Code: CodeBadParams, Message: err.Error()}
		result.Duration = time.Since(start)
		return result
	}

	execCtx, cancel := context.WithTimeout(ctx, w.pool.cfg.TaskTimeout)
	defer cancel()
	stopWatch := w.watchCancel(execCtx, msg.ID, cancel)
	defer stopWatch()

	ref, err := exec.Execute(execCtx, Task{
		ID:         msg.ID,
		Type:       msg.Type,
		PayloadRef: msg.PayloadRef,
		Params:     params,
	})
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		result.ResultRef = ref
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Error = &types.JobError{Code: CodeTimeout, Message: "task exceeded " + w.pool.cfg.TaskTimeout.String(), Retryable: true}
	default:
		var jobErr *types.JobError
		if errors.As(err, &jobErr) {
			result.Error = jobErr
		} else {
			result.Error = &types.JobError{Code: CodeExecution, Message: err.Error()}
		}
	}
	if result.Error != nil {
		log.Info("task failed", zap.String("code", result.Error.Code), zap.String("error", result.Error.Message))
	}
	return result
}

// watchCancel polls the job until stop is called and cancels the execution
// once the job has been canceled.
func (w *Worker) watchCancel(ctx context.Context, id string, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(w.pool.cfg.CancelCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			job, err := w.pool.store.FindByID(ctx, id)
			if err != nil {
				continue
			}
			if job.Status == types.StatusCanceled {
				w.logger.Info("job canceled while running", zap.String("job_id", id))
				cancel()
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}

// finish records the outcome and returns the job as stored afterwards.
func (w *Worker) finish(ctx context.Context, result Result, log *zap.Logger) *types.Job {
	// The outcome is written even when the pool is shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()

	to := types.StatusSucceeded
	fields := store.Fields{}
	if result.Success() {
		ref := result.ResultRef
		fields.ResultRef = &ref
	} else {
		to = types.StatusFailed
		fields.Error = result.Error
	}

	applied, err := w.pool.store.CompareAndTransition(ctx, result.JobID, running, to, fields)
	if err != nil {
		log.Error("recording outcome failed", zap.String("status", string(to)), zap.Error(err))
		return nil
	}
	if !applied {
		log.Info("outcome discarded, job changed while running", zap.String("status", string(to)))
	} else {
		log.Debug("job finished", zap.String("status", string(to)), zap.Duration("took", result.Duration))
	}

	job, err := w.pool.store.FindByID(ctx, result.JobID)
	if err != nil {
		log.Warn("reading finished job failed", zap.Error(err))
		return nil
	}
	return job
}

func (w *Worker) ack(d broker.Delivery, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
	defer cancel()
	if err := d.Ack(ctx); err != nil {
		log.Warn("ack failed", zap.Error(err))
	}
}
