package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the counters the service exposes on /metrics.
// It owns its registry so independent instances never collide.
type Collector struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge

	joins          prometheus.Counter
	leaves         prometheus.Counter
	signalsRelayed prometheus.Counter
	signalsDropped prometheus.Counter
	framesDropped  prometheus.Counter
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Collector{
		registry: registry,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_connections",
			Help: "Number of live signaling connections",
		}),
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_active_rooms",
			Help: "Number of rooms with at least one live connection",
		}),
		joins: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_joins_total",
			Help: "Total room joins over the signaling channel",
		}),
		leaves: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_leaves_total",
			Help: "Total room leaves and disconnects",
		}),
		signalsRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_signals_relayed_total",
			Help: "Total relayed negotiation payloads",
		}),
		signalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_signals_dropped_total",
			Help: "Total signal events dropped for missing permission",
		}),
		framesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "huddle_frames_dropped_total",
			Help: "Total outbound frames dropped on slow connections",
		}),
	}
}

func (c *Collector) ConnectionOpened() { c.activeConnections.Inc(); c.joins.Inc() }
func (c *Collector) ConnectionClosed() { c.activeConnections.Dec(); c.leaves.Inc() }
func (c *Collector) RoomOpened()       { c.activeRooms.Inc() }
func (c *Collector) RoomClosed()       { c.activeRooms.Dec() }
func (c *Collector) SignalRelayed()    { c.signalsRelayed.Inc() }
func (c *Collector) SignalDropped()    { c.signalsDropped.Inc() }
func (c *Collector) FrameDropped()     { c.framesDropped.Inc() }

// Handler returns the HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
