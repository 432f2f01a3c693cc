package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the Prometheus collectors shared across the gateway. Each collector set is registered on its own
// registry so that constructing a second Registry (as tests do) never collides with package-level state.
type Registry struct {
	reg *prometheus.Registry

	// Client socket metrics.
	ConnectionsActive prometheus.Gauge
	ConnectionsOpened prometheus.Counter
	ConnectionsClosed prometheus.Counter
	FramesReceived    prometheus.Counter
	FramesSent        prometheus.Counter
	FramesDropped     prometheus.Counter

	// Message bus metrics.
	BusConsumed       *prometheus.CounterVec
	BusPublished      prometheus.Counter
	BusPublishFailed  prometheus.Counter
	DuplicatesDropped *prometheus.CounterVec

	// Upstream WebSocket metrics.
	UpstreamConnected *prometheus.GaugeVec
	UpstreamFrames    *prometheus.CounterVec

	// Fan-out metrics, labelled by the client-facing channel.
	Broadcasts *prometheus.CounterVec

	// Subscribers tracks the broadcast-stream audiences (health, stats, support), by stream.
	Subscribers *prometheus.GaugeVec
}

// NewRegistry creates the gateway's Prometheus collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulse_ws_connections_active",
			Help: "Number of currently connected client WebSockets",
		}),
		ConnectionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ws_connections_opened_total",
			Help: "Total number of client WebSocket connections accepted",
		}),
		ConnectionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ws_connections_closed_total",
			Help: "Total number of client WebSocket connections closed",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ws_frames_received_total",
			Help: "Total number of frames received from clients",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ws_frames_sent_total",
			Help: "Total number of frames written to clients",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_ws_frames_dropped_total",
			Help: "Total number of frames dropped due to client back pressure",
		}),

		BusConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_bus_events_total",
			Help: "Total number of bus events consumed, by queue",
		}, []string{"queue"}),
		BusPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_bus_published_total",
			Help: "Total number of events published to the bus",
		}),
		BusPublishFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulse_bus_publish_failed_total",
			Help: "Total number of bus publishes dropped after retry",
		}),
		DuplicatesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_duplicates_dropped_total",
			Help: "Total number of events suppressed by fingerprint or idempotency key, by component",
		}, []string{"component"}),

		UpstreamConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_upstream_connected",
			Help: "Upstream WebSocket link state (1=connected, 0=down), by service",
		}, []string{"service"}),
		UpstreamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_upstream_frames_total",
			Help: "Total number of frames received from upstream WebSockets, by service",
		}, []string{"service"}),

		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulse_broadcasts_total",
			Help: "Total number of broadcast fan-outs, by channel",
		}, []string{"channel"}),

		Subscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pulse_stream_subscribers",
			Help: "Number of connected broadcast-stream subscribers, by stream",
		}, []string{"stream"}),
	}
}

// Handler returns an HTTP handler exposing this registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
