package metrics

import "github.com/prometheus/client_golang/prometheus"

// Relay Prometheus metrics.
var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kensaku",
			Name:      "events_ingested_total",
			Help:      "Events accepted and written to the store",
		},
		[]string{"class"},
	)

	EventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kensaku",
			Name:      "events_rejected_total",
			Help:      "Events rejected before indexing",
		},
		[]string{"reason"},
	)

	StoreOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kensaku",
			Name:      "store_op_duration_seconds",
			Help:      "Store operation duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	FanoutDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kensaku",
			Name:      "fanout_delivered_total",
			Help:      "Events delivered to live subscriptions",
		},
	)

	FanoutDroppedConnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kensaku",
			Name:      "fanout_dropped_connections_total",
			Help:      "Connections closed for overflowing their outbound queue",
		},
	)

	OpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kensaku",
			Name:      "open_connections",
			Help:      "Currently open WebSocket connections",
		},
	)

	LiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kensaku",
			Name:      "live_subscriptions",
			Help:      "Currently registered subscriptions",
		},
	)
)

var registered bool

// Register registers all relay metrics. Must be called once from main.
func Register() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		EventsIngestedTotal,
		EventsRejectedTotal,
		StoreOpDuration,
		FanoutDeliveredTotal,
		FanoutDroppedConnsTotal,
		OpenConnections,
		LiveSubscriptions,
	)
}
