package paymentsvc

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

// DeclineReason is carried by PaymentFailed.
const DeclineReason = "Payment declined by gateway"

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type outboxWriter interface {
	Append(ctx context.Context, p outbox.Params) (outbox.Appended, error)
}

// PaymentService charges and refunds orders. The gateway is simulated.
type PaymentService struct {
	tx          transactor
	writer      outboxWriter
	failureRate float64
	processing  time.Duration
	random      func() float64
}

// option is a function that configures the PaymentService.
type option func(*PaymentService)

// MustNewPaymentService creates a new PaymentService.
func MustNewPaymentService(opts ...option) *PaymentService {
	s := &PaymentService{
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.tx == nil || s.writer == nil {
		panic("paymentsvc: transactor and outbox writer are required")
	}

	return s
}

// WithTransactor sets the transaction runner.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithTransactor(tx transactor) option {
	return func(s *PaymentService) {
		s.tx = tx
	}
}

// WithOutboxWriter sets the outbox writer.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxWriter(w outboxWriter) option {
	return func(s *PaymentService) {
		s.writer = w
	}
}

// WithGateway configures the simulated gateway.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithGateway(cfg config.Worker) option {
	return func(s *PaymentService) {
		s.failureRate = cfg.FailureRate
		s.processing = cfg.Processing
	}
}

// WithRandom overrides the source of gateway decisions.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithRandom(random func() float64) option {
	return func(s *PaymentService) {
		s.random = random
	}
}

// SubscribedKeys lists the routing keys the payment service consumes.
func SubscribedKeys() []string {
	return []string{event.KeyOrderCreated, event.KeyPaymentRefundRequested}
}

// Handle charges or refunds and records the result.
func (s *PaymentService) Handle(ctx context.Context, env event.Envelope) error {
	commit, err := s.Prepare(ctx, env)
	if err != nil {
		return err
	}

	return commit(ctx)
}

// Prepare talks to the gateway and returns the write that records its
// answer. Nothing is persisted until the returned function runs.
func (s *PaymentService) Prepare(ctx context.Context, env event.Envelope) (func(ctx context.Context) error, error) {
	switch env.RoutingKey {
	case event.KeyOrderCreated:
		return s.charge(ctx, env)
	case event.KeyPaymentRefundRequested:
		return s.refund(ctx, env)
	default:
		return nil, fmt.Errorf("%w: %q", event.ErrUnknownSignal, env.RoutingKey)
	}
}

func (s *PaymentService) charge(ctx context.Context, env event.Envelope) (func(ctx context.Context) error, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "PaymentService.Charge")
	defer span.End()

	var payload event.OrderCreatedPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Processing payment",
		"event_id", env.EventID,
		"order_id", env.OrderID,
		"amount", payload.Amount.String(),
		"currency", payload.Currency,
	)

	if err := sleep(ctx, s.processing); err != nil {
		return nil, err
	}

	params := outbox.Params{
		SagaID:        env.SagaID,
		OrderID:       env.OrderID,
		CorrelationID: env.Correlation(),
	}
	if s.random() < s.failureRate {
		params.Type = event.PaymentFailed
		params.Payload = event.PaymentPayload{OrderDetails: payload.OrderDetails, Reason: DeclineReason}
	} else {
		params.Type = event.PaymentCompleted
		params.Payload = event.PaymentPayload{OrderDetails: payload.OrderDetails, PaymentID: uuid.NewString()}
	}

	return func(ctx context.Context) error {
		if err := s.append(ctx, params); err != nil {
			return err
		}

		slog.InfoContext(ctx, "Payment processed", "order_id", env.OrderID, "result", params.Type)

		return nil
	}, nil
}

func (s *PaymentService) refund(ctx context.Context, env event.Envelope) (func(ctx context.Context) error, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "PaymentService.Refund")
	defer span.End()

	var payload event.RefundRequestedPayload
	if err := env.DecodePayload(&payload); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Refunding payment", "order_id", env.OrderID, "reason", payload.Reason)

	if err := sleep(ctx, s.processing); err != nil {
		return nil, err
	}

	params := outbox.Params{
		Type:    event.PaymentRefunded,
		SagaID:  env.SagaID,
		OrderID: env.OrderID,
		Payload: event.PaymentPayload{
			OrderDetails: payload.OrderDetails,
			PaymentID:    uuid.NewString(),
			Reason:       payload.Reason,
		},
		CorrelationID: env.Correlation(),
	}

	return func(ctx context.Context) error {
		if err := s.append(ctx, params); err != nil {
			return err
		}

		slog.InfoContext(ctx, "Payment refunded", "order_id", env.OrderID, "amount", payload.Amount.String())

		return nil
	}, nil
}

func (s *PaymentService) append(ctx context.Context, p outbox.Params) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.writer.Append(ctx, p)

		return err
	})
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
