// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the services register.
type Metrics struct {
	OutboxPublished    *prometheus.CounterVec
	OutboxFailedBatch  *prometheus.CounterVec
	OutboxBatchSize    *prometheus.HistogramVec
	MessagesTotal      *prometheus.CounterVec
	HandlerLatency     *prometheus.HistogramVec
	SagaTransitions    *prometheus.CounterVec
	SagaIgnored        *prometheus.CounterVec
	SagaTimeouts       *prometheus.CounterVec
	BrokerReconnects   *prometheus.CounterVec
	BrokerBreakerState *prometheus.GaugeVec
}

var singleton = sync.OnceValue(func() *Metrics {
	return &Metrics{
		OutboxPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox events confirmed by the broker.",
		}, []string{"service", "routing_key"}),
		OutboxFailedBatch: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Subsystem: "outbox",
			Name:      "failed_batches_total",
			Help:      "Relay batches rolled back.",
		}, []string{"service"}),
		OutboxBatchSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saga",
			Subsystem: "outbox",
			Name:      "batch_size",
			Help:      "Rows locked per relay iteration.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}, []string{"service"}),
		MessagesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Subsystem: "consumer",
			Name:      "messages_total",
			Help:      "Consumed messages by outcome.",
		}, []string{"service", "routing_key", "outcome"}),
		HandlerLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "saga",
			Subsystem: "consumer",
			Name:      "handler_duration_seconds",
			Help:      "Handler latency distribution.",
			Buckets: []float64{
				0.001, 0.005, 0.01, 0.05,
				0.1, 0.25, 0.5, 1, 2.5, 5,
			},
		}, []string{"service", "routing_key"}),
		SagaTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "Applied saga transitions.",
		}, []string{"signal", "from", "to"}),
		SagaIgnored: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Subsystem: "state",
			Name:      "ignored_signals_total",
			Help:      "Signals that arrived in a status that does not accept them.",
		}, []string{"signal", "status"}),
		SagaTimeouts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Subsystem: "timeout",
			Name:      "cancelled_total",
			Help:      "Sagas cancelled by the timeout monitor.",
		}, []string{"service"}),
		BrokerReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saga",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Broker connection attempts after the initial dial.",
		}, []string{"service", "result"}),
		BrokerBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "saga",
			Subsystem: "broker",
			Name:      "breaker_state",
			Help:      "Publish circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"service", "breaker"}),
	}
})

// Get returns the process-wide collectors, registering them on first use.
func Get() *Metrics {
	return singleton()
}
