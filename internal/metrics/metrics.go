package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_messages_ingested_total",
			Help: "Total number of messages ingested by tenant.",
		},
		[]string{"tenant_id"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. ServerError, DeliveryTimeout, ConnectionError, RateLimited
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_failures_total",
			Help: "Total number of deliveries that reached the terminal failed state by reason.",
		},
		[]string{"reason"},
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hookline_delivery_latency_seconds",
			Help:    "Latency of outbound delivery attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_queue_depth",
			Help: "Deliveries waiting in the scheduler, in flight excluded.",
		},
	)

	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hookline_inflight",
			Help: "Delivery attempts currently in flight.",
		},
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookline_dead_letters_total",
			Help: "Total number of failed deliveries published to a dead letter sink.",
		},
		[]string{"backend"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		MessagesIngestedTotal,
		DeliveriesTotal,
		RetriesTotal,
		FailuresTotal,
		DeliveryLatency,
		QueueDepth,
		InFlight,
		DeadLettersTotal,
	)
}

func RecordMessageIngested(tenantID string) {
	MessagesIngestedTotal.WithLabelValues(tenantID).Inc()
}

// RecordAttempt counts one outbound attempt and observes its latency
func RecordAttempt(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	DeliveryLatency.Observe(latency.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordFailure(reason string) {
	FailuresTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(backend string) {
	DeadLettersTotal.WithLabelValues(backend).Inc()
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func SetInFlight(n int) {
	InFlight.Set(float64(n))
}
