package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "car_relocation"

var (
	RequestsCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Total number of relocation requests created"})
	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Request status changes by target status"},
		[]string{"to"},
	)
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pending_requests", Help: "Number of requests waiting for a driver"})

	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "Accept attempts by outcome code"},
		[]string{"outcome"},
	)
	NearbyLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "nearby_latency_seconds", Help: "Nearby request search latency seconds"})

	EscrowOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "escrow_operations_total", Help: "Escrow operations by operation, method and outcome"},
		[]string{"op", "method", "outcome"},
	)
	EscrowVolume = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "escrow_amount_total", Help: "Amounts moved through escrow by operation"},
		[]string{"op"},
	)

	ChatMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "chat_messages_total", Help: "Chat messages posted by type"},
		[]string{"type"},
	)
	TripSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_samples_total", Help: "Route samples by outcome"},
		[]string{"outcome"},
	)
	ActiveTrips = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_trips", Help: "Number of trips currently running"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Outcome turns an operation error into a metric label.
func Outcome(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}

var ConsumerMessages = promauto.NewCounterVec(
	prometheus.CounterOpts{Namespace: namespace, Subsystem: "consumer", Name: "messages_total", Help: "Trip sample messages handled by result"},
	[]string{"result"},
)
