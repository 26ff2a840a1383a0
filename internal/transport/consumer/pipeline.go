package consumer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/corray333/backend-labs/saga/internal/idempotency"
	"github.com/corray333/backend-labs/saga/internal/metrics"
	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Handler processes one validated envelope.
type Handler interface {
	Handle(ctx context.Context, env event.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env event.Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env event.Envelope) error {
	return f(ctx, env)
}

// Commit persists the result of a prepared event.
type Commit = func(ctx context.Context) error

// Preparer is a Handler whose slow work can run before the transaction
// opens. Prepare must not write; the returned Commit runs inside the
// transaction, after the dedup slot is taken.
type Preparer interface {
	Prepare(ctx context.Context, env event.Envelope) (Commit, error)
}

// Transactor runs fn in a database transaction carried by the context.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Outcome is how a delivery left the pipeline.
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeDuplicate
	OutcomeRetried
	OutcomeDeadLettered
	OutcomeUnknownSignal
	OutcomeNotSubscribed
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRetried:
		return "retried"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeUnknownSignal:
		return "unknown_signal"
	case OutcomeNotSubscribed:
		return "not_subscribed"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Pipeline validates, dedups and dispatches deliveries, then acks, retries
// or dead-letters them.
type Pipeline struct {
	service    string
	topology   rabbitmq.Topology
	subscribed map[string]struct{}
	maxRetries int

	handler   Handler
	store     idempotency.Store
	publisher rabbitmq.Publisher
	tx        Transactor
	now       func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithTransactor runs dedup and handler in one transaction, so a failed
// handler also rolls back its dedup row. Handlers implementing Preparer
// only run their Commit in the transaction.
func WithTransactor(tx Transactor) PipelineOption {
	return func(p *Pipeline) {
		p.tx = tx
	}
}

// WithClock overrides the time source used for dead-letter headers.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a pipeline for the queues described by topology.
func NewPipeline(
	topology rabbitmq.Topology,
	maxRetries int,
	handler Handler,
	store idempotency.Store,
	publisher rabbitmq.Publisher,
	opts ...PipelineOption,
) *Pipeline {
	subscribed := make(map[string]struct{}, len(topology.Bindings))
	for _, key := range topology.Bindings {
		subscribed[key] = struct{}{}
	}

	p := &Pipeline{
		service:    topology.Service,
		topology:   topology,
		subscribed: subscribed,
		maxRetries: maxRetries,
		handler:    handler,
		store:      store,
		publisher:  publisher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process runs a delivery through the pipeline. Errors never escape: every
// delivery ends acked, bounced to the retry queue or dead-lettered.
func (p *Pipeline) Process(ctx context.Context, d amqp.Delivery) Outcome {
	routingKey := rabbitmq.OriginalRoutingKey(d)

	ctx = rabbitmq.ExtractTrace(ctx, d.Headers)
	ctx, span := otel.Tracer("consumer").Start(ctx, "Pipeline.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
		attribute.String("messaging.message.id", d.MessageId),
	)

	outcome := p.process(ctx, d, routingKey)
	span.SetAttributes(attribute.String("consumer.outcome", outcome.String()))
	metrics.Get().MessagesTotal.WithLabelValues(p.service, routingKey, outcome.String()).Inc()

	return outcome
}

func (p *Pipeline) process(ctx context.Context, d amqp.Delivery, routingKey string) Outcome {
	if _, ok := p.subscribed[routingKey]; !ok {
		slog.DebugContext(ctx, "Skipping message for unsubscribed routing key", "routing_key", routingKey)
		p.ack(d)

		return OutcomeNotSubscribed
	}

	env, err := event.Decode(d.Body)
	if err != nil {
		reason := strings.TrimPrefix(err.Error(), event.ErrInvalidEnvelope.Error()+": ")
		slog.WarnContext(ctx, "Rejecting invalid message", "routing_key", routingKey, "reason", reason)

		return p.deadLetter(ctx, d, reason, OutcomeDeadLettered)
	}
	env.RoutingKey = routingKey
	env.CorrelationID = d.CorrelationId

	log := slog.With("event_id", env.EventID, "saga_id", env.SagaID, "routing_key", routingKey)

	duplicate, err := p.dispatch(ctx, env)
	switch {
	case err == nil && duplicate:
		log.InfoContext(ctx, "Duplicate event skipped")
		p.ack(d)

		return OutcomeDuplicate
	case err == nil:
		p.ack(d)

		return OutcomeAcked
	case errors.Is(err, event.ErrUnknownSignal):
		log.ErrorContext(ctx, "No handler for routing key", "error", err)

		return p.deadLetter(ctx, d, err.Error(), OutcomeUnknownSignal)
	}

	attempts := rabbitmq.Attempts(d.Headers, p.topology.MainQueue())
	if attempts >= p.maxRetries {
		log.ErrorContext(ctx, "Retries exhausted, dead-lettering", "attempts", attempts, "error", err)

		return p.deadLetter(ctx, d, err.Error(), OutcomeDeadLettered)
	}

	log.WarnContext(ctx, "Handler failed, scheduling retry", "attempt", attempts+1, "max_retries", p.maxRetries, "error", err)

	return p.retry(ctx, d, attempts+1, routingKey)
}

// dispatch acquires the dedup slot and runs the handler.
func (p *Pipeline) dispatch(ctx context.Context, env event.Envelope) (bool, error) {
	if prep, ok := p.handler.(Preparer); ok && p.tx != nil {
		return p.dispatchPrepared(ctx, env, prep)
	}

	var duplicate, acquired bool

	run := func(ctx context.Context) error {
		first, err := p.store.TryAcquire(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			duplicate = true

			return nil
		}
		acquired = true

		ctx, span := otel.Tracer("consumer").Start(ctx, "Handler.Handle")
		defer span.End()

		started := time.Now()
		err = p.handler.Handle(ctx, env)
		metrics.Get().HandlerLatency.WithLabelValues(p.service, env.RoutingKey).Observe(time.Since(started).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	}

	var err error
	if p.tx != nil {
		err = p.tx.WithinTx(ctx, run)
	} else {
		err = run(ctx)
	}

	if err != nil && acquired {
		p.release(ctx, env.EventID)
	}

	return duplicate, err
}

// dispatchPrepared runs Prepare outside the transaction and only takes the
// dedup slot and commits inside it. A delivery that lost the race to a
// concurrent one is reported as a duplicate and its prepared result dropped.
func (p *Pipeline) dispatchPrepared(ctx context.Context, env event.Envelope, prep Preparer) (bool, error) {
	if checker, ok := p.store.(idempotency.Checker); ok {
		seen, err := checker.Seen(ctx, env.EventID)
		if err != nil {
			return false, err
		}
		if seen {
			return true, nil
		}
	}

	commit, err := p.prepare(ctx, env, prep)
	if err != nil {
		return false, err
	}

	var duplicate, acquired bool
	err = p.tx.WithinTx(ctx, func(ctx context.Context) error {
		first, err := p.store.TryAcquire(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			duplicate = true

			return nil
		}
		acquired = true

		return commit(ctx)
	})

	if err != nil && acquired {
		p.release(ctx, env.EventID)
	}

	return duplicate, err
}

func (p *Pipeline) prepare(ctx context.Context, env event.Envelope, prep Preparer) (Commit, error) {
	ctx, span := otel.Tracer("consumer").Start(ctx, "Handler.Prepare")
	defer span.End()

	started := time.Now()
	commit, err := prep.Prepare(ctx, env)
	metrics.Get().HandlerLatency.WithLabelValues(p.service, env.RoutingKey).Observe(time.Since(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return commit, err
}

func (p *Pipeline) release(ctx context.Context, eventID string) {
	r, ok := p.store.(idempotency.Releaser)
	if !ok {
		return
	}

	if err := r.Release(context.WithoutCancel(ctx), eventID); err != nil {
		slog.ErrorContext(ctx, "Failed to release processed event", "event_id", eventID, "error", err)
	}
}

func (p *Pipeline) retry(ctx context.Context, d amqp.Delivery, attempts int, routingKey string) Outcome {
	msg := rabbitmq.RetryPublishing(d, attempts, routingKey)
	if err := p.publisher.Publish(ctx, "", p.topology.RetryQueue(), msg); err != nil {
		// The main queue dead-letters into the retry queue, and the broker
		// records the rejection in x-death.
		slog.ErrorContext(ctx, "Failed to publish to retry queue, rejecting", "error", err)
		p.nack(d, false)

		return OutcomeRejected
	}

	p.ack(d)

	return OutcomeRetried
}

func (p *Pipeline) deadLetter(ctx context.Context, d amqp.Delivery, reason string, outcome Outcome) Outcome {
	msg := rabbitmq.DeadLetterPublishing(d, reason, p.topology.MainQueue(), p.service, p.now())
	if err := p.publisher.Publish(ctx, "", p.topology.DeadLetterQueue(), msg); err != nil {
		slog.ErrorContext(ctx, "Failed to publish to dead-letter queue, rejecting", "error", err)
		p.nack(d, false)

		return OutcomeRejected
	}

	p.ack(d)

	return outcome
}

func (p *Pipeline) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		slog.Error("Failed to ack message", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

func (p *Pipeline) nack(d amqp.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		slog.Error("Failed to nack message", "delivery_tag", d.DeliveryTag, "error", err)
	}
}
