package sagasvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/isagarepo"
	"github.com/corray333/backend-labs/saga/internal/metrics"
	"github.com/corray333/backend-labs/saga/internal/outbox"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout is how long a saga may stay PENDING.
const DefaultTimeout = 90 * time.Second

type transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type outboxWriter interface {
	Append(ctx context.Context, p outbox.Params) (outbox.Appended, error)
}

// SagaService drives order sagas. Every state change and the event it emits
// are committed in one transaction.
type SagaService struct {
	tx        transactor
	sagaRepo  isagarepo.ISagaRepository
	orderRepo iorderrepo.IOrderRepository
	writer    outboxWriter
	timeout   time.Duration
	now       func() time.Time
}

// option is a function that configures the SagaService.
type option func(*SagaService)

// MustNewSagaService creates a new SagaService.
func MustNewSagaService(opts ...option) *SagaService {
	s := &SagaService{
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.tx == nil || s.sagaRepo == nil || s.orderRepo == nil || s.writer == nil {
		panic("sagasvc: transactor, saga repository, order repository and outbox writer are required")
	}

	return s
}

// WithTransactor sets the transaction runner.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithTransactor(tx transactor) option {
	return func(s *SagaService) {
		s.tx = tx
	}
}

// WithSagaRepository sets the saga repository.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithSagaRepository(repo isagarepo.ISagaRepository) option {
	return func(s *SagaService) {
		s.sagaRepo = repo
	}
}

// WithOrderRepository sets the order repository.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOrderRepository(repo iorderrepo.IOrderRepository) option {
	return func(s *SagaService) {
		s.orderRepo = repo
	}
}

// WithOutboxWriter sets the outbox writer.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithOutboxWriter(w outboxWriter) option {
	return func(s *SagaService) {
		s.writer = w
	}
}

// WithTimeout sets how long a saga may stay PENDING.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithTimeout(d time.Duration) option {
	return func(s *SagaService) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source.
//
//goland:noinspection GoExportedFuncWithUnexportedType
func WithClock(now func() time.Time) option {
	return func(s *SagaService) {
		s.now = now
	}
}

// Started is returned by Begin.
type Started struct {
	SagaID  string
	EventID string
}

// Begin creates a PENDING saga for orderID and appends OrderCreated. It joins
// the caller's transaction when there is one.
func (s *SagaService) Begin(ctx context.Context, orderID string, payload event.OrderCreatedPayload) (Started, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "SagaService.Begin")
	defer span.End()

	now := s.now().UTC()
	inst := saga.Instance{
		SagaID:      uuid.NewString(),
		OrderID:     orderID,
		Status:      saga.StatusPending,
		CurrentStep: saga.StepStarted,
		TimeoutAt:   now.Add(s.timeout),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var started Started
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.sagaRepo.Create(ctx, inst); err != nil {
			return err
		}

		appended, err := s.writer.Append(ctx, outbox.Params{
			Type:          event.OrderCreated,
			SagaID:        inst.SagaID,
			OrderID:       orderID,
			Payload:       payload,
			CorrelationID: &orderID,
		})
		if err != nil {
			return err
		}

		started = Started{SagaID: inst.SagaID, EventID: appended.EventID}

		return nil
	})
	if err != nil {
		return Started{}, fmt.Errorf("begin saga for order %s: %w", orderID, err)
	}

	span.SetAttributes(attribute.String("saga.id", started.SagaID))
	slog.InfoContext(ctx, "Saga started", "saga_id", started.SagaID, "order_id", orderID, "timeout_at", inst.TimeoutAt)

	return started, nil
}

// Handle applies the signal carried by env to its saga. Unknown routing
// keys fail with event.ErrUnknownSignal; a missing saga is an error so the
// message is retried.
func (s *SagaService) Handle(ctx context.Context, env event.Envelope) error {
	sig, err := DecodeSignal(env)
	if err != nil {
		return err
	}

	ctx, span := otel.Tracer("service").Start(ctx, "SagaService.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.id", env.SagaID),
		attribute.String("saga.signal", sig.Name()),
	)

	_, err = s.apply(ctx, env.SagaID, sig, env.Correlation())

	return err
}

// HandleTimeout cancels sagaID if it is still PENDING. It reports whether a
// transition happened.
func (s *SagaService) HandleTimeout(ctx context.Context, sagaID string) (bool, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "SagaService.HandleTimeout")
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", sagaID))

	correlation := sagaID

	return s.apply(ctx, sagaID, Timeout{After: s.timeout}, &correlation)
}

func (s *SagaService) apply(ctx context.Context, sagaID string, sig Signal, correlation *string) (bool, error) {
	var (
		tr   Transition
		from saga.Status
	)

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		inst, err := s.sagaRepo.GetForUpdate(ctx, sagaID)
		if err != nil {
			return err
		}
		from = inst.Status

		if t, ok := sig.(Timeout); ok && inst.Status == saga.StatusPending {
			ord, err := s.orderRepo.Get(ctx, inst.OrderID)
			if err != nil && !errors.Is(err, iorderrepo.ErrNotFound) {
				return err
			}
			t.CustomerEmail = ord.Details.CustomerEmail
			sig = t
		}

		tr = Apply(inst, sig, s.now().UTC())
		if !tr.Applied {
			return nil
		}

		if err := s.sagaRepo.Update(ctx, tr.Next); err != nil {
			return err
		}

		if tr.Emit != nil {
			if _, err := s.writer.Append(ctx, outbox.Params{
				Type:          tr.Emit.Type,
				SagaID:        inst.SagaID,
				OrderID:       inst.OrderID,
				Payload:       tr.Emit.Payload,
				CorrelationID: correlation,
			}); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("apply %s to saga %s: %w", sig.Name(), sagaID, err)
	}

	log := slog.With("saga_id", sagaID, "signal", sig.Name())
	if !tr.Applied {
		log.InfoContext(ctx, "Signal ignored in current saga status", "status", from)
		metrics.Get().SagaIgnored.WithLabelValues(sig.Name(), string(from)).Inc()

		return false, nil
	}

	log.InfoContext(ctx, "Saga transitioned", "from", from, "to", tr.Next.Status, "step", tr.Next.CurrentStep)
	metrics.Get().SagaTransitions.WithLabelValues(sig.Name(), string(from), string(tr.Next.Status)).Inc()

	return true, nil
}

// Get returns the current state of a saga.
func (s *SagaService) Get(ctx context.Context, sagaID string) (saga.Instance, error) {
	ctx, span := otel.Tracer("service").Start(ctx, "SagaService.Get")
	defer span.End()

	return s.sagaRepo.Get(ctx, sagaID)
}
