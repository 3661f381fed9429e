// ============================================================================
// taskgate Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose queue, fast-path and worker metrics.
//
// Metric families:
//
//   1. Counters
//      - taskgate_jobs_submitted_total{type,lane}     new jobs stored and published
//      - taskgate_jobs_deduplicated_total{type}       submissions collapsed by idempotency key
//      - taskgate_publish_failures_total{lane}        store write ok, lane publish failed
//      - taskgate_fastpath_total{outcome}             completed | timeout
//      - taskgate_cancels_total{result}               applied | conflict
//      - taskgate_reconcile_republished_total         stale queued jobs re-published
//      - taskgate_jobs_finished_total{type,status}    worker terminal transitions
//      - taskgate_callbacks_total{result}             delivered | failed
//
//   2. Histograms
//      - taskgate_fastpath_wait_seconds               time spent in the fast-path wait
//      - taskgate_job_duration_seconds{type}          executor run time
//
//   3. Gauges
//      - taskgate_jobs_in_flight                      jobs currently executing in this process
//      - taskgate_dependency_up{component}            1 when store / broker answered the last check
//      - taskgate_lane_depth{lane}                    entries in each lane (brokers that report it)
//      - taskgate_recovery_time_seconds               WAL + snapshot recovery time at startup
//
// Example queries:
//
//   # fast-path hit ratio
//   rate(taskgate_fastpath_total{outcome="completed"}[5m]) / rate(taskgate_fastpath_total[5m])
//
//   # jobs stuck between store and lane
//   increase(taskgate_publish_failures_total[10m])
//
// Every method is safe on a nil *Collector so components can run without
// metrics in tests.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every taskgate metric.
type Collector struct {
	jobsSubmitted    *prometheus.CounterVec
	jobsDeduplicated *prometheus.CounterVec
	publishFailures  *prometheus.CounterVec
	fastPath         *prometheus.CounterVec
	cancels          *prometheus.CounterVec
	republished      prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	callbacks        *prometheus.CounterVec

	fastPathWait prometheus.Histogram
	jobDuration  *prometheus.HistogramVec

	jobsInFlight prometheus.Gauge
	dependencyUp *prometheus.GaugeVec
	laneDepth    *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_jobs_submitted_total",
			Help: "Jobs stored and published to a lane",
		}, []string{"type", "lane"}),
		jobsDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_jobs_deduplicated_total",
			Help: "Submissions answered with an existing job",
		}, []string{"type"}),
		publishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_publish_failures_total",
			Help: "Jobs stored but not published",
		}, []string{"lane"}),
		fastPath: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_fastpath_total",
			Help: "Fast-path waits by outcome",
		}, []string{"outcome"}),
		cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_cancels_total",
			Help: "Cancel requests by result",
		}, []string{"result"}),
		republished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskgate_reconcile_republished_total",
			Help: "Stale queued jobs re-published by the reconciler",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_jobs_finished_total",
			Help: "Terminal transitions written by workers",
		}, []string{"type", "status"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgate_callbacks_total",
			Help: "Completion callbacks by result",
		}, []string{"result"}),
		fastPathWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgate_fastpath_wait_seconds",
			Help:    "Time spent waiting on the fast path",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskgate_job_duration_seconds",
			Help:    "Executor run time",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskgate_jobs_in_flight",
			Help: "Jobs executing in this process",
		}),
		dependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskgate_dependency_up",
			Help: "1 when the dependency answered the last health check",
		}, []string{"component"}),
		laneDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "taskgate_lane_depth",
			Help: "Entries in each lane",
		}, []string{"lane"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskgate_recovery_time_seconds",
			Help: "Time taken to rebuild the job store at startup",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted, c.jobsDeduplicated, c.publishFailures, c.fastPath,
		c.cancels, c.republished, c.jobsFinished, c.callbacks,
		c.fastPathWait, c.jobDuration,
		c.jobsInFlight, c.dependencyUp, c.laneDepth, c.recoveryTime,
	)
	return c
}

func (c *Collector) RecordSubmitted(jobType, lane string) {
	if c == nil {
		return
	}
	c.jobsSubmitted.WithLabelValues(jobType, lane).Inc()
}

func (c *Collector) RecordDeduplicated(jobType string) {
	if c == nil {
		return
	}
	c.jobsDeduplicated.WithLabelValues(jobType).Inc()
}

func (c *Collector) RecordPublishFailure(lane string) {
	if c == nil {
		return
	}
	c.publishFailures.WithLabelValues(lane).Inc()
}

// RecordFastPath records one wait. completed is false on timeout.
func (c *Collector) RecordFastPath(completed bool, waitedSeconds float64) {
	if c == nil {
		return
	}
	outcome := "timeout"
	if completed {
		outcome = "completed"
	}
	c.fastPath.WithLabelValues(outcome).Inc()
	c.fastPathWait.Observe(waitedSeconds)
}

func (c *Collector) RecordCancel(applied bool) {
	if c == nil {
		return
	}
	result := "conflict"
	if applied {
		result = "applied"
	}
	c.cancels.WithLabelValues(result).Inc()
}

func (c *Collector) RecordRepublished(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.republished.Add(float64(n))
}

// RecordFinished records a worker terminal transition and its run time.
func (c *Collector) RecordFinished(jobType, status string, durationSeconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(jobType, status).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(durationSeconds)
}

func (c *Collector) RecordCallback(delivered bool) {
	if c == nil {
		return
	}
	result := "failed"
	if delivered {
		result = "delivered"
	}
	c.callbacks.WithLabelValues(result).Inc()
}

func (c *Collector) IncInFlight() {
	if c == nil {
		return
	}
	c.jobsInFlight.Inc()
}

func (c *Collector) DecInFlight() {
	if c == nil {
		return
	}
	c.jobsInFlight.Dec()
}

// SetDependencyUp records a health check result for component.
func (c *Collector) SetDependencyUp(component string, up bool) {
	if c == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	c.dependencyUp.WithLabelValues(component).Set(v)
}

func (c *Collector) SetLaneDepth(lane string, depth int64) {
	if c == nil {
		return
	}
	c.laneDepth.WithLabelValues(lane).Set(float64(depth))
}

func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
