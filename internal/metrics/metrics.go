// Package metrics collects and exposes Prometheus counters/gauges for the
// transaction engine: commit/rollback rates, commit latency, recovery
// time, and the last committed order id.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every Prometheus metric the engine exposes.
type Collector struct {
	eventsAppended        prometheus.Counter
	transactionsCommitted prometheus.Counter
	transactionsRolledBack prometheus.Counter
	effectAttempts        prometheus.Counter
	effectFailures        prometheus.Counter

	commitLatency  prometheus.Histogram
	recoveryTime   prometheus.Gauge
	coordinatorLag prometheus.Gauge
	currentOrderID prometheus.Gauge
}

// NewCollector builds and registers every metric against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_events_appended_total",
			Help: "Total number of events durably appended to the log-structured store",
		}),
		transactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_transactions_committed_total",
			Help: "Total number of transactions committed",
		}),
		transactionsRolledBack: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_transactions_rolled_back_total",
			Help: "Total number of transactions rolled back due to a mapper or trigger failure",
		}),
		effectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_effect_attempts_total",
			Help: "Total number of effect callback invocations",
		}),
		effectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_effect_failures_total",
			Help: "Total number of effect callback invocations that failed",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_commit_latency_seconds",
			Help:    "Time from Submit to a transaction's commit completing",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_recovery_time_seconds",
			Help: "Duration of the most recent full-log replay on startup",
		}),
		coordinatorLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_coordinator_queue_depth",
			Help: "Number of Submit calls currently queued behind the coordinator's single writer",
		}),
		currentOrderID: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_current_order_id",
			Help: "The orderId of the most recently committed event",
		}),
	}

	prometheus.MustRegister(
		c.eventsAppended,
		c.transactionsCommitted,
		c.transactionsRolledBack,
		c.effectAttempts,
		c.effectFailures,
		c.commitLatency,
		c.recoveryTime,
		c.coordinatorLag,
		c.currentOrderID,
	)

	return c
}

// RecordCommit records a successful transaction: the number of events it
// appended, its end-to-end latency, and the new tail orderId.
func (c *Collector) RecordCommit(eventCount int, latencySeconds float64, lastOrderID int64) {
	c.transactionsCommitted.Inc()
	c.eventsAppended.Add(float64(eventCount))
	c.commitLatency.Observe(latencySeconds)
	c.currentOrderID.Set(float64(lastOrderID))
}

// RecordRollback records a transaction that was rolled back.
func (c *Collector) RecordRollback() {
	c.transactionsRolledBack.Inc()
}

// RecordEffectAttempt records one effect callback invocation and whether
// it failed.
func (c *Collector) RecordEffectAttempt(failed bool) {
	c.effectAttempts.Inc()
	if failed {
		c.effectFailures.Inc()
	}
}

// SetRecoveryTime records how long the last full-log replay took.
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// SetCoordinatorQueueDepth records how many Submit calls are waiting.
func (c *Collector) SetCoordinatorQueueDepth(depth int) {
	c.coordinatorLag.Set(float64(depth))
}

// StartServer serves /metrics on the given port until the process exits
// or the returned error is handled by the caller.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
