// ============================================================================
// taskgate Controller - process coordinator
// ============================================================================
//
// Package: internal/controller
// File: controller.go
// Function: Wires store, lanes, queue services, worker pool and health
//           together and runs the background loops.
//
// Architecture:
//   ┌──────────────┐   Submit / Await / Get / Cancel   ┌─────────────┐
//   │  HTTP (chi)  │ ────────────────────────────────► │ queue.*     │
//   └──────────────┘                                   └──────┬──────┘
//                                                  insert/CAS │ publish
//                                                     ┌───────▼───────┐
//   ┌──────────────┐   Fetch / CAS / Ack              │ store, broker │
//   │ worker.Pool  │ ◄──────────────────────────────► └───────────────┘
//   └──────────────┘
//
// Background loops (one goroutine each, stopped through stopCh):
//   1. Reconcile Loop - re-publish jobs left queued after a lost publish
//   2. Health Loop    - ping store and broker, feed gRPC health + gauges
//   3. Compact Loop   - fold the memory store's WAL into a snapshot
//
// Roles:
//   RoleServe  - API process; loops 1-3, plus a worker pool when
//                worker.in_process is set
//   RoleWorker - worker pool only; loops 2-3
//
// Shutdown order:
//   close(stopCh) → loopWg.Wait() → pool.Stop() → final compaction →
//   broker.Close() → store.Close()
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/taskgate/internal/broker"
	"github.com/ChuLiYu/taskgate/internal/config"
	"github.com/ChuLiYu/taskgate/internal/health"
	"github.com/ChuLiYu/taskgate/internal/httpapi"
	"github.com/ChuLiYu/taskgate/internal/metrics"
	"github.com/ChuLiYu/taskgate/internal/queue"
	"github.com/ChuLiYu/taskgate/internal/store"
	"github.com/ChuLiYu/taskgate/internal/store/memstore"
	"github.com/ChuLiYu/taskgate/internal/worker"
	"github.com/ChuLiYu/taskgate/pkg/types"
)

// Role selects what a process runs.
type Role int

const (
	RoleServe Role = iota
	RoleWorker
)

const (
	healthInterval = 10 * time.Second
	healthTimeout  = 2 * time.Second
)

// Controller owns every long-lived component of a process.
type Controller struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector

	store  store.Store
	broker broker.Broker

	Submitter  *queue.Submitter
	Waiter     *queue.Waiter
	Jobs       *queue.Controller
	Reconciler *queue.Reconciler

	executors *worker.Registry
	pool      *worker.Pool
	health    *health.Server

	mu        sync.Mutex
	stopCh    chan struct{}
	started   bool
	stopped   bool
	startTime time.Time
	loopWg    sync.WaitGroup
}

// New opens the store and broker named by cfg and wires the services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Controller, error) {
	start := time.Now()
	st, err := OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	recovery := time.Since(start)

	b, err := OpenBroker(cfg.Broker, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open broker: %w", err)
	}

	c := NewWith(cfg, st, b, logger)
	c.metrics.SetRecoveryTime(recovery.Seconds())
	logger.Info("store opened",
		zap.String("driver", cfg.Store.Driver),
		zap.Duration("recovery", recovery))
	return c, nil
}

// NewWith wires the services around an already opened store and broker.
// The controller takes ownership of both.
func NewWith(cfg *config.Config, st store.Store, b broker.Broker, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewCollector(reg)

	c := &Controller{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		metrics:    m,
		store:      st,
		broker:     b,
		Submitter:  queue.NewSubmitter(st, b, cfg.Queue.TaskTypes, m, logger),
		Waiter:     queue.NewWaiter(st, cfg.Queue.PollInterval, m, logger),
		Jobs:       queue.NewController(st, m, logger),
		Reconciler: queue.NewReconciler(st, b, cfg.Reconcile.StaleAfter, cfg.Reconcile.BatchSize, m, logger),
		executors:  worker.DefaultRegistry(cfg.Queue.TaskTypes),
		stopCh:     make(chan struct{}),
	}
	return c
}

// Executors is the registry the worker pool resolves job types with.
// Register custom executors before Start.
func (c *Controller) Executors() *worker.Registry { return c.executors }

// Store returns the job store.
func (c *Controller) Store() store.Store { return c.store }

// Broker returns the lane broker.
func (c *Controller) Broker() broker.Broker { return c.broker }

// Gatherer exposes the metrics registry.
func (c *Controller) Gatherer() prometheus.Gatherer { return c.registry }

// HealthChecks pings the store and the broker.
func (c *Controller) HealthChecks() []health.Check {
	return []health.Check{
		{Name: "store", Ping: c.store.Ping},
		{Name: "broker", Ping: c.broker.Ping},
	}
}

// Handler builds the HTTP API.
func (c *Controller) Handler() (http.Handler, error) {
	opts := httpapi.Options{
		APIPrefix:          c.cfg.Server.APIPrefix,
		DefaultSyncTimeout: c.cfg.Queue.DefaultSyncTimeout,
		MaxSyncTimeout:     c.cfg.Queue.MaxSyncTimeout,
		PollAfter:          c.cfg.Queue.PollAfter,
		CallbackDomains:    c.cfg.Callbacks.AllowedDomains,
		HealthChecks:       c.HealthChecks(),
		HealthTimeout:      healthTimeout,
	}
	if c.cfg.Metrics.Enabled {
		opts.MetricsPath = c.cfg.Metrics.Path
		opts.Gatherer = c.registry
	}
	srv, err := httpapi.New(opts, c.Submitter, c.Waiter, c.Jobs, c.logger)
	if err != nil {
		return nil, err
	}
	return srv.Routes(), nil
}

// Start launches the loops for role. ctx bounds the worker pool's fetching.
func (c *Controller) Start(ctx context.Context, role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("controller stopped")
	}
	if c.started {
		return errors.New("controller already started")
	}
	c.startTime = time.Now()

	if c.cfg.GRPC.Enabled {
		c.health = health.NewServer(c.logger)
		if _, err := c.health.Listen(c.cfg.GRPC.Addr); err != nil {
			return fmt.Errorf("grpc health listen: %w", err)
		}
		go func() {
			if err := c.health.Serve(); err != nil {
				c.logger.Error("grpc health server", zap.Error(err))
			}
		}()
	}

	if role == RoleWorker || c.cfg.Worker.InProcess {
		c.pool = worker.NewPool(worker.Config{
			Workers:             c.cfg.Worker.Count,
			TaskTimeout:         c.cfg.Worker.TaskTimeout,
			CancelCheckInterval: c.cfg.Worker.CancelCheckInterval,
			IdleBackoff:         c.cfg.Worker.IdleBackoff,
			CallbackTimeout:     c.cfg.Worker.CallbackTimeout,
		}, c.broker, c.store, c.executors,
			worker.NewNotifier(c.cfg.Worker.CallbackTimeout, c.metrics, c.logger),
			c.metrics, c.logger)
		if err := c.pool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
	}

	loops := 0
	if role == RoleServe && c.cfg.Reconcile.Enabled {
		c.loopWg.Add(1)
		go c.reconcileLoop()
		loops++
	}
	c.loopWg.Add(1)
	go c.healthLoop()
	loops++
	if compactor, ok := c.store.(store.Compactor); ok && c.cfg.Store.Memory.CompactInterval > 0 {
		c.loopWg.Add(1)
		go c.compactLoop(compactor)
		loops++
	}

	c.started = true
	c.logger.Info("controller started",
		zap.Bool("worker_pool", c.pool != nil),
		zap.Int("loops", loops))
	return nil
}

// reconcileLoop re-publishes stale queued jobs.
func (c *Controller) reconcileLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Reconcile.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("reconcile loop stopped")
			return
		case <-ticker.C:
			ctx, cancel := c.loopContext(c.cfg.Reconcile.Interval)
			n, err := c.Reconciler.Sweep(ctx)
			cancel()
			if err != nil {
				c.logger.Warn("reconcile sweep incomplete", zap.Int("republished", n), zap.Error(err))
			} else if n > 0 {
				c.logger.Info("reconcile sweep", zap.Int("republished", n))
			}
		}
	}
}

// healthLoop checks dependencies, publishes gRPC health and lane gauges.
func (c *Controller) healthLoop() {
	defer c.loopWg.Done()
	c.checkHealth()
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("health loop stopped")
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Controller) checkHealth() {
	ctx, cancel := c.loopContext(healthTimeout)
	defer cancel()

	report := health.Run(ctx, healthTimeout, c.HealthChecks()...)
	for name, st := range report.Components {
		c.metrics.SetDependencyUp(name, st.Status == health.StatusHealthy)
		if st.Status != health.StatusHealthy {
			c.logger.Warn("dependency unhealthy", zap.String("component", name), zap.String("error", st.Message))
		}
	}
	if c.health != nil {
		c.health.Update(report)
	}

	if dr, ok := c.broker.(broker.DepthReporter); ok {
		depths, err := dr.Depths(ctx)
		if err != nil {
			return
		}
		for lane, n := range depths {
			c.metrics.SetLaneDepth(string(lane), n)
		}
	}
}

// compactLoop folds the store's log into a snapshot periodically.
func (c *Controller) compactLoop(compactor store.Compactor) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.Store.Memory.CompactInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.logger.Debug("compact loop stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := compactor.Compact(); err != nil {
				c.logger.Error("compaction failed", zap.Error(err))
				continue
			}
			c.logger.Debug("store compacted", zap.Duration("took", time.Since(start)))
		}
	}
}

// loopContext is canceled by Stop or after timeout.
func (c *Controller) loopContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Status summarizes the process for the status command and logs.
func (c *Controller) Status(ctx context.Context) map[string]any {
	c.mu.Lock()
	uptime := time.Duration(0)
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	out := map[string]any{
		"uptime":        uptime.String(),
		"store_driver":  c.cfg.Store.Driver,
		"broker_driver": c.cfg.Broker.Driver,
		"worker_pool":   c.pool != nil,
	}
	if ms, ok := c.store.(*memstore.Store); ok {
		stats := ms.Stats()
		counts := map[string]int{}
		for _, s := range []types.JobStatus{types.StatusQueued, types.StatusRunning, types.StatusSucceeded, types.StatusFailed, types.StatusCanceled} {
			counts[string(s)] = stats[s]
		}
		out["jobs"] = counts
	}
	if dr, ok := c.broker.(broker.DepthReporter); ok {
		if depths, err := dr.Depths(ctx); err == nil {
			lanes := map[string]int64{}
			for lane, n := range depths {
				lanes[string(lane)] = n
			}
			out["lanes"] = lanes
		}
	}
	return out
}

// Stop shuts everything down in dependency order. It is safe to call more
// than once and without Start.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("stopping controller")

	close(c.stopCh)
	c.loopWg.Wait()

	if c.pool != nil {
		c.pool.Stop()
	}
	if c.health != nil {
		c.health.Stop()
	}

	if compactor, ok := c.store.(store.Compactor); ok {
		if err := compactor.Compact(); err != nil {
			c.logger.Error("final compaction failed", zap.Error(err))
		}
	}
	if err := c.broker.Close(); err != nil {
		c.logger.Warn("closing broker", zap.Error(err))
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("closing store", zap.Error(err))
	}
	c.logger.Info("controller stopped")
}
