package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_events_dispatched_total",
			Help: "Total number of events passed to the dispatcher.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status", "tenant_id"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_retries_total",
			Help: "Total number of scheduled delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hookrelay_delivery_latency_seconds",
			Help:    "Webhook POST latency by HTTP status class.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status_class"},
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookrelay_dlq_total",
			Help: "Total number of exhausted deliveries published to the DLQ topic.",
		},
	)

	IdempotencyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookrelay_idempotency_requests_total",
			Help: "Guarded requests by outcome.",
		},
		[]string{"outcome"}, // first, replay, conflict, in_flight
	)

	IdempotencyFallbackActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookrelay_idempotency_fallback_active",
			Help: "1 while the process-local idempotency fallback is in use.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsDispatchedTotal,
		DeliveriesTotal,
		RetriesTotal,
		DeliveryLatency,
		DLQTotal,
		IdempotencyRequestsTotal,
		IdempotencyFallbackActive,
	)
}

// RecordDelivery records a completed delivery attempt and its latency
func RecordDelivery(status, tenantID string, latency time.Duration, httpStatus int) {
	DeliveriesTotal.WithLabelValues(status, tenantID).Inc()
	DeliveryLatency.WithLabelValues(statusClass(httpStatus)).Observe(latency.Seconds())
}

// RecordRetry records a scheduled retry by failure reason
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordIdempotency records the outcome of one guarded request
func RecordIdempotency(outcome string) {
	IdempotencyRequestsTotal.WithLabelValues(outcome).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "none"
	}
}
