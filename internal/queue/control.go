package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

var cancelable = []types.JobStatus{types.StatusQueued, types.StatusRunning}

// Controller answers status queries and cancels jobs.
type Controller struct {
	store   store.Store
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewController(st store.Store, m *metrics.Collector, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: st, metrics: m, logger: logger.Named("control")}
}

// Get returns the job or ErrNotFound.
func (c *Controller) Get(ctx context.Context, id string) (*types.Job, error) {
	job, err := c.store.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, unavailable("get", err)
	}
	return job, nil
}

// Cancel moves a queued or running job to canceled. It returns false when the
// job is already terminal. A running job is only marked; its worker stops at
// its next status check.
func (c *Controller) Cancel(ctx context.Context, id string) (bool, error) {
	applied, err := c.store.CompareAndTransition(ctx, id, cancelable, types.StatusCanceled, store.Fields{})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, unavailable("cancel", err)
	}
	c.metrics.RecordCancel(applied)
	if applied {
		c.logger.Info("job canceled", zap.String("job_id", id))
	}
	return applied, nil
}
