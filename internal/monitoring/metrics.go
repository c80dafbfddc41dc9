package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the relay-level Prometheus metrics. Domain handlers update
// these through the shared instance wired in at startup; a nil *Metrics is
// safe to call, which keeps unit tests free of registry setup.
type Metrics struct {
	DetectionsReceived *prometheus.CounterVec
	Deliveries         *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	HoldsOpen          prometheus.Gauge
	SyncBatchDuration  prometheus.Histogram
	PermanentFailures  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with all relay metrics registered on
// a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		DetectionsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "takrelay",
				Subsystem: "ingest",
				Name:      "detections_total",
				Help:      "Detections received, by pipeline outcome",
			},
			[]string{"outcome"},
		),
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "takrelay",
				Subsystem: "sink",
				Name:      "deliveries_total",
				Help:      "Delivery attempts against the sink, by result",
			},
			[]string{"result"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "takrelay",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Entries currently pending or in flight",
			},
		),
		HoldsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "takrelay",
				Subsystem: "review",
				Name:      "holds_open",
				Help:      "Detections held for manual review",
			},
		),
		SyncBatchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "takrelay",
				Subsystem: "sync",
				Name:      "batch_duration_seconds",
				Help:      "Wall time of one sync batch",
				Buckets:   prometheus.DefBuckets,
			},
		),
		PermanentFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "takrelay",
				Subsystem: "queue",
				Name:      "permanent_failures_total",
				Help:      "Entries that exhausted the retry ceiling or hit a permanent sink error",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.DetectionsReceived,
		m.Deliveries,
		m.QueueDepth,
		m.HoldsOpen,
		m.SyncBatchDuration,
		m.PermanentFailures,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncReceived bumps the ingest counter for the given outcome. Nil-safe.
func (m *Metrics) IncReceived(outcome string) {
	if m == nil {
		return
	}
	m.DetectionsReceived.WithLabelValues(outcome).Inc()
}

// IncDelivery bumps the delivery counter for the given result. Nil-safe.
func (m *Metrics) IncDelivery(result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
}

// SetQueueDepth records the current queue depth. Nil-safe.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// SetHoldsOpen records the current number of open review holds. Nil-safe.
func (m *Metrics) SetHoldsOpen(n int) {
	if m == nil {
		return
	}
	m.HoldsOpen.Set(float64(n))
}

// ObserveBatch records the duration of one sync batch in seconds. Nil-safe.
func (m *Metrics) ObserveBatch(seconds float64) {
	if m == nil {
		return
	}
	m.SyncBatchDuration.Observe(seconds)
}

// IncPermanentFailure bumps the permanent-failure counter. Nil-safe.
func (m *Metrics) IncPermanentFailure() {
	if m == nil {
		return
	}
	m.PermanentFailures.Inc()
}
