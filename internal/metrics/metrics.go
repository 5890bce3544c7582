// Package metrics holds the prometheus collectors shared by the write path,
// the async queue and index builds.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "esindex"

// Metrics groups every esindex collector.
type Metrics struct {
	QueueDepth      *prometheus.GaugeVec
	Enqueued        *prometheus.CounterVec
	EnqueueTimeouts *prometheus.CounterVec
	Applied         *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	Dropped         *prometheus.CounterVec
	BatchSize       *prometheus.HistogramVec
	BackendLatency  *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
	SyncFailures    *prometheus.CounterVec
	SyncFallbacks   *prometheus.CounterVec
	CodecSkips      *prometheus.CounterVec
	BuildRows       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Entries waiting in or being applied by the async write queue.",
		}, []string{"index"}),
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueued_total",
		}, []string{"index"}),
		EnqueueTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "enqueue_timeouts_total",
			Help:      "Enqueue calls that gave up because the queue stayed full.",
		}, []string{"index"}),
		Applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "applied_total",
		}, []string{"index", "op"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
		}, []string{"index"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Entries abandoned after a terminal failure.",
		}, []string{"index", "reason"}),
		BatchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "batch_size",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"index"}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "breaker_state",
			Help:      "Circuit breaker position per endpoint: 0 closed, 1 open, 2 half-open.",
		}, []string{"breaker"}),
		SyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sync_failures_total",
			Help:      "Mutations rejected because the inline index update failed.",
		}, []string{"index"}),
		SyncFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "sync_fallbacks_total",
			Help:      "Async mutations applied inline because the queue was full.",
		}, []string{"index"}),
		CodecSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "codec_skips_total",
		}, []string{"index", "reason"}),
		BuildRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "build",
			Name:      "rows_total",
		}, []string{"index"}),
	}

	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.QueueDepth, m.Enqueued, m.EnqueueTimeouts, m.Applied, m.Retries,
		m.Dropped, m.BatchSize, m.BackendLatency, m.BreakerState, m.SyncFailures,
		m.SyncFallbacks, m.CodecSkips, m.BuildRows,
	}
}

// ForgetIndex removes every series labelled with index, after a drop.
func (m *Metrics) ForgetIndex(index string) {
	labels := prometheus.Labels{"index": index}
	m.QueueDepth.DeletePartialMatch(labels)
	m.Enqueued.DeletePartialMatch(labels)
	m.EnqueueTimeouts.DeletePartialMatch(labels)
	m.Applied.DeletePartialMatch(labels)
	m.Retries.DeletePartialMatch(labels)
	m.Dropped.DeletePartialMatch(labels)
	m.BatchSize.DeletePartialMatch(labels)
	m.SyncFailures.DeletePartialMatch(labels)
	m.SyncFallbacks.DeletePartialMatch(labels)
	m.CodecSkips.DeletePartialMatch(labels)
	m.BuildRows.DeletePartialMatch(labels)
}
