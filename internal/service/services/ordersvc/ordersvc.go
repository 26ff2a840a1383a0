package ordersvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/internal/service/models/order"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/corray333/backend-labs/saga/internal/service/services/sagasvc"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
)

// ErrInvalidOrder is returned for requests that fail validation.
var ErrInvalidOrder = errors.New("invalid order")

// DefaultCurrency is used when an order names none.
const DefaultCurrency = "USD"

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type sagaService interface {
	Begin(ctx context.Context, orderID string, payload event.OrderCreatedPayload) (sagasvc.Started, error)
	Get(ctx context.Context, sagaID string) (saga.Instance, error)
}

// OrderService accepts orders and starts their sagas.
type OrderService struct {
	tx        transactor
	orderRepo iorderrepo.IOrderRepository
	sagas     sagaService
	now       func() time.Time
}

// option is a function that configures the OrderService.
type option func(*OrderService)

// MustNewOrderService creates a new OrderService.
func MustNewOrderService(opts ...option) *OrderService {
	s := &OrderService{
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.tx == nil || s.orderRepo == nil || s.sagas == nil {
		panic("ordersvc: transactor, order repository and saga service are required")
	}

	return s
}

// WithTransactor sets the transaction runner.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithTransactor(tx transactor) option {
	return func(s *OrderService) {
		s.tx = tx
	}
}

// WithOrderRepository sets the order repository.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOrderRepository(repo iorderrepo.IOrderRepository) option {
	return func(s *OrderService) {
		s.orderRepo = repo
	}
}

// WithSagaService sets the saga service.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithSagaService(sagas sagaService) option {
	return func(s *OrderService) {
		s.sagas = sagas
	}
}

// Created is the result of CreateOrder.
type Created struct {
	OrderID string
	SagaID  string
	EventID string
	Status  saga.Status
}

// CreateOrder stores the order, its saga and the OrderCreated event in one
// transaction.
func (s *OrderService) CreateOrder(ctx context.Context, details event.OrderDetails) (Created, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "OrderService.CreateOrder")
	defer span.End()

	details.CustomerEmail = strings.TrimSpace(details.CustomerEmail)
	details.Currency = strings.ToUpper(strings.TrimSpace(details.Currency))
	if details.Currency == "" {
		details.Currency = DefaultCurrency
	}
	if err := validate(details); err != nil {
		return Created{}, err
	}

	o := order.Order{
		ID:        uuid.NewString(),
		Details:   details,
		CreatedAt: s.now().UTC(),
	}

	var started sagasvc.Started
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.orderRepo.Insert(ctx, o); err != nil {
			return err
		}

		var err error
		started, err = s.sagas.Begin(ctx, o.ID, event.OrderCreatedPayload{OrderDetails: details})

		return err
	})
	if err != nil {
		slog.ErrorContext(ctx, "Failed to create order", "error", err)

		return Created{}, fmt.Errorf("create order: %w", err)
	}

	slog.InfoContext(ctx, "Order created", "order_id", o.ID, "saga_id", started.SagaID, "event_id", started.EventID)

	return Created{
		OrderID: o.ID,
		SagaID:  started.SagaID,
		EventID: started.EventID,
		Status:  saga.StatusPending,
	}, nil
}

// GetSaga returns the state of a saga.
func (s *OrderService) GetSaga(ctx context.Context, sagaID string) (saga.Instance, error) {
	return s.sagas.Get(ctx, sagaID)
}

func validate(d event.OrderDetails) error {
	switch {
	case d.CustomerEmail != "" && !strings.Contains(d.CustomerEmail, "@"):
		return fmt.Errorf("%w: customerEmail is malformed", ErrInvalidOrder)
	case len(d.Items) == 0:
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	case !d.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	case len(d.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidOrder)
	}

	for _, item := range d.Items {
		if item.SKU == "" || item.Quantity <= 0 {
			return fmt.Errorf("%w: every item needs a sku and a positive quantity", ErrInvalidOrder)
		}
	}

	return nil
}
