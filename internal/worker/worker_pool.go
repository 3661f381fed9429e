// ============================================================================
// taskgate Worker Pool - lane consumer
// ============================================================================
//
// Package: internal/worker
// File: worker_pool.go
// Function: Manages the Worker goroutines and feeds them from the lanes
//
// Architecture:
//   ┌──────────────┐  Fetch(n)   ┌───────────┐  taskCh   ┌──────────┐
//   │ broker lanes │ ──────────► │ fetchLoop │ ────────► │ Worker 1 │
//   │ high/normal/ │             └───────────┘           │ Worker 2 │ ─► store
//   │ low          │                                      │ Worker n │
//   └──────────────┘                                      └──────────┘
//
//   The idle semaphore counts Workers with nothing in hand. The fetch loop
//   waits for at least one, reserves every idle Worker and fetches at most
//   that many messages, so nothing fetched waits behind a busy Worker and the
//   next free Worker always gets the highest non-empty lane. Deliveries parked
//   on a full batch do not hold a Worker (see batch.go).
//
// Lifecycle:
//   1. NewPool()  - wire consumer, store, executors
//   2. Start(ctx) - start the fetch loop and n Workers
//   3. Stop()     - stop fetching, let Workers finish the job in hand, wait
//
//   The fetch loop is the only sender on taskCh and closes it on exit, so
//   Stop never races a send on a closed channel.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/store"
)

var (
	// ErrPoolClosed is returned by Start after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted is returned by a second Start.
	ErrPoolStarted = errors.New("worker pool already started")
)

// Config tunes a Pool.
type Config struct {
	Workers             int
	TaskTimeout         time.Duration
	CancelCheckInterval time.Duration
	IdleBackoff         time.Duration
	CallbackTimeout     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 30 * time.Second
	}
	if c.CancelCheckInterval <= 0 {
		c.CancelCheckInterval = 500 * time.Millisecond
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 200 * time.Millisecond
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = 5 * time.Second
	}
}

// Pool runs Workers over a broker.Consumer.
type Pool struct {
	cfg      Config
	consumer broker.Consumer
	store    store.Store
	registry *Registry
	limiter  *batchLimiter
	notifier *Notifier
	metrics  *metrics.Collector
	logger   *zap.Logger

	workers []*Worker
	idle    *semaphore.Weighted
	taskCh  chan broker.Delivery
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewPool builds a pool. A nil registry means DefaultRegistry(nil); a nil
// notifier disables callbacks.
func NewPool(cfg Config, consumer broker.Consumer, st store.Store, registry *Registry, notifier *Notifier, m *metrics.Collector, logger *zap.Logger) *Pool {
	cfg.applyDefaults()
	if registry == nil {
		registry = DefaultRegistry(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:      cfg,
		consumer: consumer,
		store:    st,
		registry: registry,
		limiter:  newBatchLimiter(),
		idle:     semaphore.NewWeighted(int64(cfg.Workers)),
		notifier: notifier,
		metrics:  m,
		logger:   logger.Named("worker"),
		taskCh:   make(chan broker.Delivery),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the fetch loop and the Workers. Canceling ctx stops
// fetching; jobs already claimed still run to completion.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	workCtx := context.WithoutCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		w := newWorker(i, p, p.taskCh)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(workCtx)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.fetchLoop(fetchCtx)
	}()

	p.started = true
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers), zap.Strings("types", p.registry.Types()))
	return nil
}

// fetchLoop pulls deliveries and hands them to idle Workers.
func (p *Pool) fetchLoop(ctx context.Context) {
	defer close(p.taskCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		n, ok := p.reserveIdle(ctx)
		if !ok {
			return
		}
		start := time.Now()
		deliveries, err := p.consumer.Fetch(ctx, n)
		if unused := n - len(deliveries); unused > 0 {
			p.idle.Release(int64(unused))
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return
			}
			p.logger.Warn("fetch failed", zap.Error(err))
			if !p.sleep(ctx, p.cfg.IdleBackoff) {
				return
			}
			continue
		}
		if len(deliveries) == 0 {
			// Non-blocking consumers return at once; do not spin on empty lanes.
			if !p.sleep(ctx, p.cfg.IdleBackoff-time.Since(start)) {
				return
			}
			continue
		}

		for i, d := range deliveries {
			select {
			case p.taskCh <- d:
			case <-ctx.Done():
				p.logger.Debug("stopping with fetched messages unprocessed", zap.Int("count", len(deliveries)-i))
				return
			case <-p.stopCh:
				return
			}
		}
	}
}

// reserveIdle waits for an idle Worker and then reserves every idle one.
func (p *Pool) reserveIdle(ctx context.Context) (int, bool) {
	if err := p.idle.Acquire(ctx, 1); err != nil {
		return 0, false
	}
	n := 1
	for n < p.cfg.Workers && p.idle.TryAcquire(1) {
		n++
	}
	return n, true
}

// stopping reports whether Stop has been called.
func (p *Pool) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	}
}

// Stop stops fetching and waits for every Worker to finish its current job.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// GetWorkerCount returns the number of started Workers.
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
