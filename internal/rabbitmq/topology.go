package rabbitmq

import (
	"fmt"
	"time"

	"github.com/streadway/amqp"
)

// Declarer is the subset of *amqp.Channel used to declare topology.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes the exchange and the three queues of one consuming service.
type Topology struct {
	Exchange     string
	ExchangeKind string
	Service      string
	Bindings     []string
	RetryDelay   time.Duration
}

// MainQueue is the queue the service consumes.
func (t Topology) MainQueue() string {
	return t.Service + "_queue"
}

// RetryQueue holds failed messages for RetryDelay before they return to MainQueue.
func (t Topology) RetryQueue() string {
	return t.Service + "_retry_queue"
}

// DeadLetterQueue collects messages that exhausted their retries. Nothing consumes it.
func (t Topology) DeadLetterQueue() string {
	return t.Service + "_dlq"
}

// Fanout reports whether the exchange broadcasts regardless of routing key.
func (t Topology) Fanout() bool {
	return t.ExchangeKind == amqp.ExchangeFanout
}

// DeclareExchange declares the durable event exchange.
func DeclareExchange(ch Declarer, name, kind string) error {
	if kind == "" {
		kind = amqp.ExchangeTopic
	}

	if err := ch.ExchangeDeclare(name, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", name, err)
	}

	return nil
}

// Declare creates the exchange, the queues and the bindings. It is idempotent.
func (t Topology) Declare(ch Declarer) error {
	if err := DeclareExchange(ch, t.Exchange, t.ExchangeKind); err != nil {
		return err
	}

	// Rejected messages go to the retry queue through the default exchange.
	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.RetryQueue(),
	}
	if _, err := ch.QueueDeclare(t.MainQueue(), true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.MainQueue(), err)
	}

	ttl := t.RetryDelay.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	retryArgs := amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.MainQueue(),
	}
	if _, err := ch.QueueDeclare(t.RetryQueue(), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.RetryQueue(), err)
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue(), err)
	}

	if t.Fanout() {
		if err := ch.QueueBind(t.MainQueue(), "", t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", t.MainQueue(), err)
		}

		return nil
	}

	for _, key := range t.Bindings {
		if err := ch.QueueBind(t.MainQueue(), key, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", t.MainQueue(), key, err)
		}
	}

	return nil
}
