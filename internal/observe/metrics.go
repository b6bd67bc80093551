package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus instruments. Each engine owns its
// registry so multiple engines coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	EventsAppended  prometheus.Counter
	Deliveries      *prometheus.CounterVec // status: delivered|rejected|failed
	Retries         prometheus.Counter
	TransformDrops  *prometheus.CounterVec // transform name
	QueueDepth      *prometheus.GaugeVec   // actor id
	ObserverDrops   *prometheus.CounterVec // logger name
	DeliveryLatency prometheus.Histogram
}

// NewMetrics builds and registers the engine's instruments on a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orgloop_events_appended_total",
			Help: "Events durably appended to the bus.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_deliveries_total",
			Help: "Terminal delivery outcomes by status.",
		}, []string{"status"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orgloop_delivery_retries_total",
			Help: "Delivery attempts rescheduled after a retryable error.",
		}),
		TransformDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_transform_drops_total",
			Help: "Events dropped by a transform, by transform name.",
		}, []string{"transform"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orgloop_actor_queue_depth",
			Help: "Events waiting in each actor's delivery queue.",
		}, []string{"actor"}),
		ObserverDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orgloop_observer_drops_total",
			Help: "Observer events dropped for a slow logger.",
		}, []string{"logger"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orgloop_delivery_seconds",
			Help:    "Wall time of actor Deliver calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	reg.MustRegister(m.EventsAppended, m.Deliveries, m.Retries, m.TransformDrops,
		m.QueueDepth, m.ObserverDrops, m.DeliveryLatency)
	return m
}
