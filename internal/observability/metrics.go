// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Build metrics
	BuildsTotal   *prometheus.CounterVec
	BuildDuration prometheus.Histogram
	UnitsTotal    *prometheus.CounterVec
	StatesWritten *prometheus.CounterVec
	Gaps          *prometheus.CounterVec
	Skipped       prometheus.Counter

	// Integrity metrics
	IntegrityFailures prometheus.Counter

	// Revision metrics
	RevisionsConsumed *prometheus.CounterVec
	RebuildsTotal     *prometheus.CounterVec

	// Store metrics
	StoreOpDuration *prometheus.HistogramVec
	StoreOpErrors   *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec

	// Health metrics
	LastSuccessfulBuild prometheus.Gauge
}

// NewMetrics creates a Metrics instance registered with reg.
// A nil reg registers with the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "universe_state"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		BuildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "builds_total",
			Help:      "Total number of build calls by outcome",
		}, []string{"status"}),
		BuildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "build_duration_seconds",
			Help:      "Build call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
		UnitsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "units_total",
			Help:      "Total number of (instrument, duration) units by outcome",
		}, []string{"duration", "status"}),
		StatesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "states_written_total",
			Help:      "Total number of States written",
		}, []string{"duration"}),
		Gaps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "gaps_total",
			Help:      "Total number of periods skipped as incomplete aggregations",
		}, []string{"duration"}),
		Skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "builder",
			Name:      "skipped_not_member_total",
			Help:      "Total number of periods skipped because the instrument was not a member",
		}),

		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "membership",
			Name:      "integrity_failures_total",
			Help:      "Total number of builds refused on membership integrity errors",
		}),

		RevisionsConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revision",
			Name:      "events_consumed_total",
			Help:      "Total number of bar revision events consumed by outcome",
		}, []string{"status"}),
		RebuildsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revision",
			Name:      "rebuilds_total",
			Help:      "Total number of partial rebuilds by outcome",
		}, []string{"status"}),

		StoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "op_duration_seconds",
			Help:      "State store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		StoreOpErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "op_errors_total",
			Help:      "Total number of state store operation errors",
		}, []string{"backend", "operation"}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of state cache lookups by result",
		}, []string{"result"}),

		LastSuccessfulBuild: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_build_timestamp",
			Help:      "Unix timestamp of last build without unit failures",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("", nil)

// RecordBuild records a finished build call.
func RecordBuild(status string, seconds float64) {
	DefaultMetrics.BuildsTotal.WithLabelValues(status).Inc()
	DefaultMetrics.BuildDuration.Observe(seconds)
}

// RecordUnit records a finished unit.
func RecordUnit(duration, status string, written, gaps int) {
	DefaultMetrics.UnitsTotal.WithLabelValues(duration, status).Inc()
	DefaultMetrics.StatesWritten.WithLabelValues(duration).Add(float64(written))
	DefaultMetrics.Gaps.WithLabelValues(duration).Add(float64(gaps))
}

// RecordSkipped records periods skipped for non-membership.
func RecordSkipped(n int) {
	DefaultMetrics.Skipped.Add(float64(n))
}

// RecordIntegrityFailure records a build refused on corrupt membership.
func RecordIntegrityFailure() {
	DefaultMetrics.IntegrityFailures.Inc()
}

// RecordRevision records a consumed revision event.
func RecordRevision(status string) {
	DefaultMetrics.RevisionsConsumed.WithLabelValues(status).Inc()
}

// RecordRebuild records a partial rebuild.
func RecordRebuild(status string) {
	DefaultMetrics.RebuildsTotal.WithLabelValues(status).Inc()
}

// RecordStoreOp records state store operation metrics.
func RecordStoreOp(backend, operation string, seconds float64, err error) {
	DefaultMetrics.StoreOpDuration.WithLabelValues(backend, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.StoreOpErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	DefaultMetrics.CacheLookups.WithLabelValues(result).Inc()
}

// MarkBuildSucceeded stamps the last successful build time.
func MarkBuildSucceeded(unixSeconds float64) {
	DefaultMetrics.LastSuccessfulBuild.Set(unixSeconds)
}
