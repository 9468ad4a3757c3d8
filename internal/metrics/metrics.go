// Package metrics defines the Link Monitor's Prometheus metrics. Naming and
// registration follow client/doublezerod/internal/liveness/metrics.go:
// promauto-registered vectors, a small set of shared labels, counters for
// terminal events and gauges for current state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	LabelArea      = "area"
	LabelInterface = "interface"
	LabelKind      = "kind"
	LabelResult    = "result"
)

// Metrics bundles the Link Monitor's counters/gauges behind one struct so
// components take a *Metrics rather than reaching for global vectors
// directly, matching the teacher's per-manager *Metrics field.
type Metrics struct {
	InterfaceFlaps      *prometheus.CounterVec
	InterfacesUsable     prometheus.Gauge
	AdjacenciesActive    *prometheus.GaugeVec
	NeighborEvents       *prometheus.CounterVec
	PeerSetSize          *prometheus.GaugeVec
	ThrottleFires        *prometheus.CounterVec
	KVPublishes          *prometheus.CounterVec
	KVPublishLatency     *prometheus.HistogramVec
	PersistFailures      prometheus.Counter
	ControlOpFailures    *prometheus.CounterVec
	AllocatorClaims      *prometheus.CounterVec
	QueueDrops           *prometheus.CounterVec
}

// LabelQueue names the outbound queue label used by QueueDrops.
const LabelQueue = "queue"

// New constructs and registers all metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// registerer across test runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InterfaceFlaps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkmond_interface_flaps_total",
			Help: "Count of interface up/down transitions observed.",
		}, []string{LabelInterface}),

		InterfacesUsable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "linkmond_interfaces_usable",
			Help: "Current number of usable interfaces.",
		}),

		AdjacenciesActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "linkmond_adjacencies_active",
			Help: "Current number of adjacencies, by area.",
		}, []string{LabelArea}),

		NeighborEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkmond_neighbor_events_total",
			Help: "Count of neighbor events processed, by kind.",
		}, []string{LabelKind}),

		PeerSetSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "linkmond_peer_set_size",
			Help: "Current size of the announced peer set, by area.",
		}, []string{LabelArea}),

		ThrottleFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkmond_throttle_fires_total",
			Help: "Count of throttle fires, by throttle kind.",
		}, []string{LabelKind}),

		KVPublishes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkmond_kv_publishes_total",
			Help: "Count of KV store publishes, by area and result.",
		}, []string{LabelArea, LabelResult}),

		KVPublishLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "linkmond_kv_publish_latency_seconds",
			Help:    "Latency of KV store publish calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{LabelArea}),

		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "linkmond_persist_failures_total",
			Help: "Count of persistent-store write failures on control mutations.",
		}),

		ControlOpFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkmond_control_op_failures_total",
			Help: "Count of failed control-surface operations, by kind.",
		}, []string{LabelKind}),

		AllocatorClaims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkmond_allocator_claims_total",
			Help: "Count of node-label allocator claim attempts, by area and result.",
		}, []string{LabelArea, LabelResult}),

		QueueDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "linkmond_queue_drops_total",
			Help: "Count of outbound queue items dropped because the queue was full, by queue.",
		}, []string{LabelQueue}),
	}
}

// ObserveKVPublish records the outcome and latency of a KV store publish.
func (m *Metrics) ObserveKVPublish(area string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.KVPublishes.WithLabelValues(area, result).Inc()
	m.KVPublishLatency.WithLabelValues(area).Observe(time.Since(start).Seconds())
}
