package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the fan-out path: what comes in from the change bus, what
// goes out to subscribers, and what gets dropped on slow clients.
type Metrics struct {
	EventsPublished  *prometheus.CounterVec
	EventsDispatched prometheus.Counter
	EventsDropped    prometheus.Counter
	Subscribers      prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "agrisync_events_published_total",
			Help: "Change events published to the bus, by entity type.",
		}, []string{"entity"}),
		EventsDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agrisync_events_dispatched_total",
			Help: "Change events delivered to WebSocket subscribers.",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "agrisync_events_dropped_total",
			Help: "Change events dropped because a subscriber buffer was full.",
		}),
		Subscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "agrisync_subscribers",
			Help: "Currently registered WebSocket subscribers.",
		}),
	}
}

// NewForRegistry builds metrics against a private registry, used in tests to
// avoid default-registry collisions.
func NewForRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agrisync_events_published_total",
			Help: "Change events published to the bus, by entity type.",
		}, []string{"entity"}),
		EventsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "agrisync_events_dispatched_total",
			Help: "Change events delivered to WebSocket subscribers.",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "agrisync_events_dropped_total",
			Help: "Change events dropped because a subscriber buffer was full.",
		}),
		Subscribers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agrisync_subscribers",
			Help: "Currently registered WebSocket subscribers.",
		}),
	}
}
