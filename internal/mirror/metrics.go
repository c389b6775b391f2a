package mirror

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "assetcdn"

var (
	// rewriteTotal counts rewrite lookups by outcome (hit, queued, inactive,
	// bypass).
	rewriteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "rewrite",
		Name:      "total",
		Help:      "Number of asset rewrite lookups by outcome.",
	}, []string{"outcome"})

	// drainEntriesTotal counts processed queue entries by resulting state.
	drainEntriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "drained_entries_total",
		Help:      "Number of queue entries processed by a drain, by resulting state.",
	}, []string{"state"})

	resolveFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "resolver",
		Name:      "failures_total",
		Help:      "Number of failed resolutions by error kind.",
	}, []string{"kind"})

	drainSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "drains_skipped_total",
		Help:      "Number of drains skipped because the lock was held.",
	})

	drainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "drain_duration_seconds",
		Help:      "Duration of queue drains.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "queue",
		Name:      "size",
		Help:      "Number of queued paths after the last flush or drain.",
	})

	registryLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "registry",
		Name:      "lookups_total",
		Help:      "Number of uncached release registry lookups by registry.",
	}, []string{"registry"})
)

func init() {
	prometheus.MustRegister(
		rewriteTotal,
		drainEntriesTotal,
		resolveFailuresTotal,
		drainSkippedTotal,
		drainDuration,
		queueSize,
		registryLookups,
	)
}
