package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// 连接
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meower_gateway_connections_total",
		Help: "WebSocket connections accepted",
	})
	ConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meower_gateway_connections_active",
		Help: "Open WebSocket connections by protocol version",
	}, []string{"proto"})
	AuthenticatedSockets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meower_gateway_authenticated_sockets",
		Help: "Sockets bound to a user",
	})
	Disconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meower_gateway_disconnects_total",
		Help: "Closed sockets by reason",
	}, []string{"reason"})

	// presence
	ListedUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meower_gateway_ulist_users",
		Help: "Usernames currently in the user list",
	})
	PeakUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "meower_gateway_ulist_peak",
		Help: "Peak user list size since start",
	})

	// inbound commands
	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meower_gateway_commands_total",
		Help: "Inbound commands by name and resulting statuscode",
	}, []string{"cmd", "status"})

	// outbound
	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meower_gateway_frames_sent_total",
		Help: "Frames written to sockets by protocol version",
	}, []string{"proto"})
	SendOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meower_gateway_send_overflow_total",
		Help: "Sockets closed because their outbound queue was full",
	})

	// dispatcher
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meower_gateway_events_total",
		Help: "Bus events routed, by kind",
	}, []string{"kind"})
	EventRecipients = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meower_gateway_event_recipients",
		Help:    "Sockets selected per event",
		Buckets: []float64{0, 1, 2, 5, 10, 50, 100, 500, 1000, 5000},
	})

	// bus
	BusPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meower_gateway_bus_published_total",
		Help: "Bus publishes by outcome",
	}, []string{"outcome"})
	BusReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meower_gateway_bus_received_total",
		Help: "Bus messages received",
	})
	BusReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meower_gateway_bus_reconnects_total",
		Help: "Bus reconnect attempts by driver",
	}, []string{"driver"})

	// REST tier
	APIRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meower_gateway_api_requests_total",
		Help: "REST tier calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})
	APILatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meower_gateway_api_latency_seconds",
		Help:    "REST tier call latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

func init() {
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(ConnectionsActive)
	prometheus.MustRegister(AuthenticatedSockets)
	prometheus.MustRegister(Disconnects)
	prometheus.MustRegister(ListedUsers)
	prometheus.MustRegister(PeakUsers)
	prometheus.MustRegister(Commands)
	prometheus.MustRegister(FramesSent)
	prometheus.MustRegister(SendOverflows)
	prometheus.MustRegister(EventsDispatched)
	prometheus.MustRegister(EventRecipients)
	prometheus.MustRegister(BusPublished)
	prometheus.MustRegister(BusReceived)
	prometheus.MustRegister(BusReconnects)
	prometheus.MustRegister(APIRequests)
	prometheus.MustRegister(APILatency)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
