// Package telemetry exposes the agent's own health as Prometheus metrics.
//
// All methods are safe to call on a nil *Collector, which records nothing.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Cycle results.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// Collector holds the agent self-metrics.
type Collector struct {
	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	queryFailures *prometheus.CounterVec
	rowsSkipped   *prometheus.CounterVec
	reported      *prometheus.CounterVec
	correlated    *prometheus.GaugeVec
	correlation   *prometheus.CounterVec
	flushes       *prometheus.CounterVec
}

// New creates a Collector and registers it with reg unless reg is nil.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfmon_poll_cycles_total",
				Help: "Total number of poll cycles",
			},
			[]string{"agent", "result"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "perfmon_poll_cycle_duration_seconds",
				Help:    "Poll cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		queryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfmon_query_failures_total",
				Help: "Total number of counter queries that failed to execute",
			},
			[]string{"agent"},
		),
		rowsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfmon_rows_skipped_total",
				Help: "Total number of counter rows skipped",
			},
			[]string{"agent", "reason"},
		),
		reported: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfmon_metrics_reported_total",
				Help: "Total number of metrics handed to the sink",
			},
			[]string{"agent"},
		),
		correlated: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "perfmon_correlated_processes",
				Help: "Number of processes correlated to an owner in the last cycle",
			},
			[]string{"agent"},
		),
		correlation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfmon_correlation_failures_total",
				Help: "Total number of failed process correlation builds",
			},
			[]string{"agent"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "perfmon_sink_flushes_total",
				Help: "Total number of sink flushes",
			},
			[]string{"agent", "result"},
		),
	}

	if reg == nil {
		return c
	}
	reg.MustRegister(
		c.cycles,
		c.cycleDuration,
		c.queryFailures,
		c.rowsSkipped,
		c.reported,
		c.correlated,
		c.correlation,
		c.flushes,
	)
	return c
}

// ObserveCycle records a finished poll cycle.
func (c *Collector) ObserveCycle(agent, result string, d time.Duration) {
	if c == nil {
		return
	}
	c.cycles.WithLabelValues(agent, result).Inc()
	c.cycleDuration.WithLabelValues(agent).Observe(d.Seconds())
}

// QueryFailed records a counter query that could not be executed.
func (c *Collector) QueryFailed(agent string) {
	if c == nil {
		return
	}
	c.queryFailures.WithLabelValues(agent).Inc()
}

// RowSkipped records a skipped row.
func (c *Collector) RowSkipped(agent, reason string) {
	if c == nil {
		return
	}
	c.rowsSkipped.WithLabelValues(agent, reason).Inc()
}

// Reported records a metric handed to the sink.
func (c *Collector) Reported(agent string) {
	if c == nil {
		return
	}
	c.reported.WithLabelValues(agent).Inc()
}

// Correlated records the size of the last correlation table.
func (c *Collector) Correlated(agent string, n int) {
	if c == nil {
		return
	}
	c.correlated.WithLabelValues(agent).Set(float64(n))
}

// CorrelationFailed records a failed correlation build.
func (c *Collector) CorrelationFailed(agent string) {
	if c == nil {
		return
	}
	c.correlation.WithLabelValues(agent).Inc()
}

// Flushed records a sink flush.
func (c *Collector) Flushed(agent string, err error) {
	if c == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	c.flushes.WithLabelValues(agent, result).Inc()
}
