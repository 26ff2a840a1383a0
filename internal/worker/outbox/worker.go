package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/saga/internal/metrics"
	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/corray333/backend-labs/saga/internal/service/models/outbox"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Worker relays unpublished outbox rows to the broker.
type Worker struct {
	tx           transactor
	outboxRepo   ioutboxrepo.IOutboxRepository
	publisher    rabbitmq.Publisher
	exchange     string
	service      string
	pollInterval time.Duration
	batchSize    int
	stopCh       chan struct{}
	stopOnce     sync.Once
}

// NewWorker creates a new outbox worker.
func NewWorker(
	tx transactor,
	outboxRepo ioutboxrepo.IOutboxRepository,
	publisher rabbitmq.Publisher,
	exchange, service string,
	pollInterval time.Duration,
	batchSize int,
) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 10
	}

	return &Worker{
		tx:           tx,
		outboxRepo:   outboxRepo,
		publisher:    publisher,
		exchange:     exchange,
		service:      service,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		stopCh:       make(chan struct{}),
	}
}

// Start relays batches until ctx is cancelled or Stop is called. It sleeps
// only after an empty or failed batch.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("Outbox worker started", "poll_interval", w.pollInterval, "batch_size", w.batchSize)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Outbox worker shutting down")

			return
		case <-w.stopCh:
			slog.Info("Outbox worker stopped")

			return
		case <-timer.C:
		}

		published, err := w.RelayBatch(ctx)
		if err != nil {
			slog.Error("Outbox batch rolled back", "error", err)
		}

		delay := w.pollInterval
		if err == nil && published > 0 {
			delay = 0
		}
		timer.Reset(delay)
	}
}

// Stop stops the worker.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// RelayBatch locks up to batchSize unpublished rows, publishes each one and
// marks it published. The transaction commits only when every row was
// confirmed by the broker; otherwise the whole batch stays unpublished.
func (w *Worker) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("outbox").Start(ctx, "Outbox.RelayBatch")
	defer span.End()

	m := metrics.Get()
	var batch []outbox.Event

	err := w.tx.WithinTx(ctx, func(ctx context.Context) error {
		events, err := w.outboxRepo.LockUnpublished(ctx, w.batchSize)
		if err != nil {
			return fmt.Errorf("lock unpublished: %w", err)
		}
		batch = events

		for _, evt := range events {
			if err := w.publisher.Publish(ctx, w.exchange, evt.RoutingKey, w.publishing(ctx, evt)); err != nil {
				return fmt.Errorf("publish %s (%s): %w", evt.ID, evt.RoutingKey, err)
			}
			if err := w.outboxRepo.MarkPublished(ctx, evt.ID); err != nil {
				return fmt.Errorf("mark %s published: %w", evt.ID, err)
			}
		}

		return nil
	})
	m.OutboxBatchSize.WithLabelValues(w.service).Observe(float64(len(batch)))
	span.SetAttributes(attribute.Int("outbox.batch_size", len(batch)))

	if err != nil {
		m.OutboxFailedBatch.WithLabelValues(w.service).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return 0, err
	}

	for _, evt := range batch {
		m.OutboxPublished.WithLabelValues(w.service, evt.RoutingKey).Inc()
		slog.DebugContext(ctx, "Outbox event published", "event_id", evt.ID, "routing_key", evt.RoutingKey, "saga_id", evt.SagaID)
	}
	if len(batch) > 0 {
		slog.InfoContext(ctx, "Outbox batch published", "count", len(batch))
	}

	return len(batch), nil
}

func (w *Worker) publishing(ctx context.Context, evt outbox.Event) amqp.Publishing {
	headers := amqp.Table{
		rabbitmq.HeaderEventType: evt.Type,
		rabbitmq.HeaderSagaID:    evt.SagaID,
	}
	correlationID := ""
	if evt.CorrelationID != nil {
		correlationID = *evt.CorrelationID
		headers[rabbitmq.HeaderCorrelationID] = correlationID
	}
	rabbitmq.InjectTrace(ctx, headers)

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: correlationID,
		MessageId:     evt.ID,
		Timestamp:     evt.CreatedAt,
		Type:          evt.Type,
		Body:          evt.Payload,
	}
}
