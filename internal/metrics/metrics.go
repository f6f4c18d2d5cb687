// Package metrics exposes Prometheus metrics for batch runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for mergemail. A nil
// Collector is valid and records nothing, so instrumentation sites
// never need a guard.
type Collector struct {
	RowsSentTotal    prometheus.Counter
	RowsDraftedTotal prometheus.Counter
	RowsSkippedTotal prometheus.Counter
	RowsErroredTotal *prometheus.CounterVec

	ThrottleRetriesTotal  prometheus.Counter
	TransientRetriesTotal prometheus.Counter
	LabelFailuresTotal    prometheus.Counter

	RowsPending prometheus.Gauge

	RunDurationSeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a Collector with all metrics registered on a fresh
// registry.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		RowsSentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mergemail_rows_sent_total",
			Help: "Total number of rows successfully sent",
		}),
		RowsDraftedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mergemail_rows_drafted_total",
			Help: "Total number of rows saved as drafts",
		}),
		RowsSkippedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mergemail_rows_skipped_total",
			Help: "Total number of rows skipped for an unresolvable address",
		}),
		RowsErroredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mergemail_rows_errored_total",
			Help: "Total number of rows that failed dispatch",
		}, []string{"kind"}),
		ThrottleRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mergemail_throttle_retries_total",
			Help: "Total number of backoff retries after provider throttling",
		}),
		TransientRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mergemail_transient_retries_total",
			Help: "Total number of retries after transient provider failures",
		}),
		LabelFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mergemail_label_failures_total",
			Help: "Total number of ignored label application failures",
		}),
		RowsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mergemail_rows_pending",
			Help: "Rows still pending after the last invocation",
		}),
		RunDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mergemail_run_duration_seconds",
			Help:    "Duration of batch invocations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		registry: reg,
	}

	reg.MustRegister(
		c.RowsSentTotal,
		c.RowsDraftedTotal,
		c.RowsSkippedTotal,
		c.RowsErroredTotal,
		c.ThrottleRetriesTotal,
		c.TransientRetriesTotal,
		c.LabelFailuresTotal,
		c.RowsPending,
		c.RunDurationSeconds,
	)

	return c
}

// Registry returns the collector's registry for serving.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Nil-safe increment helpers.

func (c *Collector) IncSent() {
	if c != nil {
		c.RowsSentTotal.Inc()
	}
}

func (c *Collector) IncDrafted() {
	if c != nil {
		c.RowsDraftedTotal.Inc()
	}
}

func (c *Collector) IncSkipped() {
	if c != nil {
		c.RowsSkippedTotal.Inc()
	}
}

func (c *Collector) IncErrored(kind string) {
	if c != nil {
		c.RowsErroredTotal.WithLabelValues(kind).Inc()
	}
}

func (c *Collector) IncThrottleRetry() {
	if c != nil {
		c.ThrottleRetriesTotal.Inc()
	}
}

func (c *Collector) IncTransientRetry() {
	if c != nil {
		c.TransientRetriesTotal.Inc()
	}
}

func (c *Collector) IncLabelFailure() {
	if c != nil {
		c.LabelFailuresTotal.Inc()
	}
}

func (c *Collector) SetPending(n int) {
	if c != nil {
		c.RowsPending.Set(float64(n))
	}
}

func (c *Collector) ObserveRunDuration(seconds float64) {
	if c != nil {
		c.RunDurationSeconds.Observe(seconds)
	}
}
