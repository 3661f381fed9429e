package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// DefaultPollInterval is used when NewWaiter gets a non-positive interval.
const DefaultPollInterval = 50 * time.Millisecond

// Waiter is the fast path: a bounded wait for a job to become terminal.
type Waiter struct {
	store    store.Store
	interval time.Duration
	metrics  *metrics.Collector
	logger   *zap.Logger
}

// NewWaiter returns a waiter polling st every interval. Stores that implement
// store.Watcher also wake the waiter on every change of the job.
func NewWaiter(st store.Store, interval time.Duration, m *metrics.Collector, logger *zap.Logger) *Waiter {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Waiter{store: st, interval: interval, metrics: m, logger: logger.Named("waiter")}
}

// AwaitCompletion returns the job once it is terminal, or nil when budget
// (or ctx) runs out first. It never changes the job.
func (w *Waiter) AwaitCompletion(ctx context.Context, id string, budget time.Duration) *types.Job {
	if budget <= 0 {
		return nil
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var changed <-chan struct{}
	if watcher, ok := w.store.(store.Watcher); ok {
		ch, stop := watcher.Watch(id)
		defer stop()
		changed = ch
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if job := w.terminal(ctx, id); job != nil {
			w.metrics.RecordFastPath(true, time.Since(start).Seconds())
			return job
		}
		select {
		case <-ctx.Done():
			w.metrics.RecordFastPath(false, time.Since(start).Seconds())
			return nil
		case <-ticker.C:
		case <-changed:
		}
	}
}

// terminal reads the job; read errors count as "not yet".
func (w *Waiter) terminal(ctx context.Context, id string) *types.Job {
	job, err := w.store.FindByID(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("status read failed", zap.String("job_id", id), zap.Error(err))
		}
		return nil
	}
	if !job.Status.IsTerminal() {
		return nil
	}
	return job
}
