package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/saga/internal/metrics"
	"github.com/sony/gobreaker"
	"github.com/streadway/amqp"
)

// BreakerConfig configures the publish circuit breaker.
type BreakerConfig struct {
	Name        string
	Service     string
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakerPublisher fails fast while the broker keeps rejecting publishes.
type BreakerPublisher struct {
	next    Publisher
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerPublisher wraps next with a circuit breaker that opens after
// MaxFailures consecutive failures.
func NewBreakerPublisher(next Publisher, cfg BreakerConfig) *BreakerPublisher {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	gauge := metrics.Get().BrokerBreakerState.WithLabelValues(cfg.Service, cfg.Name)

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Publish circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			gauge.Set(float64(to))
		},
	}

	return &BreakerPublisher{
		next:    next,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Publish forwards to the wrapped publisher unless the breaker is open.
func (p *BreakerPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, p.next.Publish(ctx, exchange, routingKey, msg)
	})
	if err != nil {
		return fmt.Errorf("breaker %s: %w", p.breaker.Name(), err)
	}

	return nil
}

// State returns the breaker state.
func (p *BreakerPublisher) State() gobreaker.State {
	return p.breaker.State()
}
