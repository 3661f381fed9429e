package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

var onlyQueued = []types.JobStatus{types.StatusQueued}

// Reconciler re-publishes jobs that stayed queued for too long, covering a
// publish that failed (or was lost) after the store write.
type Reconciler struct {
	store      store.Store
	publisher  broker.Publisher
	staleAfter time.Duration
	batchSize  int
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
}

func NewReconciler(st store.Store, pub broker.Publisher, staleAfter time.Duration, batchSize int, m *metrics.Collector, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:      st,
		publisher:  pub,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		metrics:    m,
		logger:     logger.Named("reconciler"),
		now:        time.Now,
	}
}

// Sweep re-publishes one batch of stale queued jobs and returns how many were
// published. Each published job is touched (queued -> queued) so the next
// sweep skips it until it is stale again. A duplicate delivery is harmless:
// workers claim with compare-and-transition.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	stale, err := r.store.ListStale(ctx, types.StatusQueued, r.now().Add(-r.staleAfter), r.batchSize)
	if err != nil {
		return 0, unavailable("list stale", err)
	}

	var (
		published int
		errs      []error
	)
	for _, job := range stale {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		msg, err := types.NewDispatchMessage(job)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.publisher.Publish(ctx, job.Priority, msg); err != nil {
			r.metrics.RecordPublishFailure(string(job.Priority))
			errs = append(errs, err)
			continue
		}
		published++

		if _, err := r.store.CompareAndTransition(ctx, job.ID, onlyQueued, types.StatusQueued, store.Fields{}); err != nil {
			r.logger.Warn("touch after re-publish failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		r.logger.Info("re-published stale job",
			zap.String("job_id", job.ID),
			zap.String("lane", string(job.Priority)),
			zap.Duration("age", r.now().Sub(job.UpdatedAt)))
	}

	r.metrics.RecordRepublished(published)
	if len(errs) > 0 {
		return published, unavailable("re-publish", errors.Join(errs...))
	}
	return published, nil
}
