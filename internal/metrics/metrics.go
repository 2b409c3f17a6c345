// ============================================================================
// Metrics - Prometheus collector for batch runs and bundling
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Metric families:
//
//   1. Item counters (Counter):
//      - promptbatch_items_enqueued_total
//      - promptbatch_items_dispatched_total
//      - promptbatch_items_succeeded_total
//      - promptbatch_items_failed_total
//      - promptbatch_windows_total
//      - promptbatch_runs_total / promptbatch_runs_cancelled_total
//
//   2. Latency (Histogram):
//      - promptbatch_item_latency_seconds
//
//   3. Live state (Gauge):
//      - promptbatch_items_pending
//      - promptbatch_items_in_flight
//
//   4. Bundling (Counter):
//      - promptbatch_bundle_entries_total
//      - promptbatch_bundle_skipped_total
//      - promptbatch_bundle_retries_total
//
// Example queries:
//
//   # failure ratio
//   rate(promptbatch_items_failed_total[5m]) / rate(promptbatch_items_dispatched_total[5m])
//
//   # 95th percentile generation latency
//   histogram_quantile(0.95, promptbatch_item_latency_seconds_bucket)
//
// Every Record* method is safe on a nil *Collector so metrics stay optional.
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the engine
type Collector struct {
	itemsEnqueued   prometheus.Counter
	itemsDispatched prometheus.Counter
	itemsSucceeded  prometheus.Counter
	itemsFailed     prometheus.Counter
	windows         prometheus.Counter
	runs            prometheus.Counter
	runsCancelled   prometheus.Counter

	itemLatency prometheus.Histogram

	itemsPending  prometheus.Gauge
	itemsInFlight prometheus.Gauge

	bundleEntries prometheus.Counter
	bundleSkipped prometheus.Counter
	bundleRetries prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it on reg.
// A nil reg registers on a fresh private registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		itemsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_items_enqueued_total",
			Help: "Total number of work items enqueued",
		}),
		itemsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_items_dispatched_total",
			Help: "Total number of work items dispatched to the generation service",
		}),
		itemsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_items_succeeded_total",
			Help: "Total number of work items that produced an artifact",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_items_failed_total",
			Help: "Total number of work items that failed",
		}),
		windows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_windows_total",
			Help: "Total number of dispatch windows started",
		}),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_runs_total",
			Help: "Total number of batch runs started",
		}),
		runsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_runs_cancelled_total",
			Help: "Total number of batch runs stopped before the last window",
		}),
		itemLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "promptbatch_item_latency_seconds",
			Help:    "Generation latency per work item in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		itemsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptbatch_items_pending",
			Help: "Work items of the current run not yet resolved",
		}),
		itemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "promptbatch_items_in_flight",
			Help: "Work items currently waiting on the generation service",
		}),
		bundleEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_bundle_entries_total",
			Help: "Total number of artifacts written into archives",
		}),
		bundleSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_bundle_skipped_total",
			Help: "Total number of artifacts skipped after failed fetches",
		}),
		bundleRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "promptbatch_bundle_retries_total",
			Help: "Total number of artifact fetches retried",
		}),
	}

	reg.MustRegister(
		c.itemsEnqueued,
		c.itemsDispatched,
		c.itemsSucceeded,
		c.itemsFailed,
		c.windows,
		c.runs,
		c.runsCancelled,
		c.itemLatency,
		c.itemsPending,
		c.itemsInFlight,
		c.bundleEntries,
		c.bundleSkipped,
		c.bundleRetries,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	return c
}

// RecordRunStarted counts a new run of n items
func (c *Collector) RecordRunStarted(n int) {
	if c == nil {
		return
	}
	c.runs.Inc()
	c.itemsEnqueued.Add(float64(n))
	c.itemsPending.Set(float64(n))
	c.itemsInFlight.Set(0)
}

// RecordRunCancelled counts a run stopped by its token
func (c *Collector) RecordRunCancelled() {
	if c == nil {
		return
	}
	c.runsCancelled.Inc()
}

// RecordWindow counts a started window of size n
func (c *Collector) RecordWindow(n int) {
	if c == nil {
		return
	}
	c.windows.Inc()
	c.itemsDispatched.Add(float64(n))
	c.itemsInFlight.Add(float64(n))
}

// RecordSucceeded records a succeeded item and its latency
func (c *Collector) RecordSucceeded(latencySeconds float64) {
	if c == nil {
		return
	}
	c.itemsSucceeded.Inc()
	c.itemLatency.Observe(latencySeconds)
	c.resolved()
}

// RecordFailed records a failed item
func (c *Collector) RecordFailed(latencySeconds float64) {
	if c == nil {
		return
	}
	c.itemsFailed.Inc()
	c.itemLatency.Observe(latencySeconds)
	c.resolved()
}

func (c *Collector) resolved() {
	c.itemsInFlight.Dec()
	c.itemsPending.Dec()
}

// RecordBundleEntry counts an artifact written into an archive
func (c *Collector) RecordBundleEntry() {
	if c == nil {
		return
	}
	c.bundleEntries.Inc()
}

// RecordBundleSkipped counts an artifact left out of an archive
func (c *Collector) RecordBundleSkipped() {
	if c == nil {
		return
	}
	c.bundleSkipped.Inc()
}

// RecordBundleRetry counts a repeated artifact fetch
func (c *Collector) RecordBundleRetry() {
	if c == nil {
		return
	}
	c.bundleRetries.Inc()
}

// Handler exposes the registry this collector was registered on.
// It falls back to the default Prometheus handler.
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
