package inventorysvc

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/outbox"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// OutOfStockReason is carried by InventoryFailed.
const OutOfStockReason = "Insufficient stock"

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type outboxWriter interface {
	Append(ctx context.Context, p outbox.Params) (outbox.Appended, error)
}

// InventoryService reserves stock for paid orders. Stock is simulated.
type InventoryService struct {
	tx          transactor
	writer      outboxWriter
	failureRate float64
	processing  time.Duration
	random      func() float64
}

type option func(*InventoryService)

// MustNewInventoryService creates a new InventoryService.
func MustNewInventoryService(opts ...option) *InventoryService {
	s := &InventoryService{
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.tx == nil || s.writer == nil {
		panic("inventorysvc: transactor and outbox writer are required")
	}

	return s
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithTransactor(tx transactor) option {
	return func(s *InventoryService) {
		s.tx = tx
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxWriter(w outboxWriter) option {
	return func(s *InventoryService) {
		s.writer = w
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithWarehouse(cfg config.Worker) option {
	return func(s *InventoryService) {
		s.failureRate = cfg.FailureRate
		s.processing = cfg.Processing
	}
}

//goland:noinspection GoExportedFuncWithUnexportedType
func WithRandom(random func() float64) option {
	return func(s *InventoryService) {
		s.random = random
	}
}

// SubscribedKeys lists the routing keys the inventory service consumes.
func SubscribedKeys() []string {
	return []string{event.KeyPaymentCompleted}
}

// Handle reserves stock for a completed payment.
func (s *InventoryService) Handle(ctx context.Context, env event.Envelope) error {
	commit, err := s.Prepare(ctx, env)
	if err != nil {
		return err
	}

	return commit(ctx)
}

// Prepare checks the warehouse and returns the write recording the result.
func (s *InventoryService) Prepare(ctx context.Context, env event.Envelope) (func(ctx context.Context) error, error) {
	if env.RoutingKey != event.KeyPaymentCompleted {
		return nil, fmt.Errorf("%w: %q", event.ErrUnknownSignal, env.RoutingKey)
	}

	ctx, span := otel.Tracer("service").Start(ctx, "InventoryService.Reserve")
	defer span.End()

	var payload event.PaymentPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Reserving inventory", "order_id", env.OrderID, "items", len(payload.Items))

	if s.processing > 0 {
		t := time.NewTimer(s.processing)
		select {
		case <-ctx.Done():
			t.Stop()

			return nil, ctx.Err()
		case <-t.C:
		}
	}

	params := outbox.Params{
		SagaID:        env.SagaID,
		OrderID:       env.OrderID,
		CorrelationID: env.Correlation(),
	}
	if s.random() < s.failureRate {
		params.Type = event.InventoryFailed
		params.Payload = event.InventoryPayload{OrderDetails: payload.OrderDetails, Reason: OutOfStockReason}
	} else {
		params.Type = event.InventoryReserved
		params.Payload = event.InventoryPayload{OrderDetails: payload.OrderDetails, ReservationID: uuid.NewString()}
	}

	return func(ctx context.Context) error {
		err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
			_, err := s.writer.Append(ctx, params)

			return err
		})
		if err != nil {
			return err
		}

		slog.InfoContext(ctx, "Inventory processed", "order_id", env.OrderID, "result", params.Type)

		return nil
	}, nil
}
