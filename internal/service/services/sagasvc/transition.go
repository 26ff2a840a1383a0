package sagasvc

import (
	"fmt"
	"time"

	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
)

// Failure reasons recorded on cancelled sagas.
const (
	FailurePaymentFailed   = "Payment failed"
	FailurePaymentRefunded = "Payment refunded after inventory failure"
)

// TimeoutFailure is the failure reason of a timed-out saga.
func TimeoutFailure(after time.Duration) string {
	return fmt.Sprintf("Saga timeout after %d seconds", int64(after/time.Second))
}

// Emission is the event a transition asks to append to the outbox.
type Emission struct {
	Type    event.Type
	Payload any
}

// Transition is the result of applying a signal to a saga.
type Transition struct {
	Applied bool
	Next    saga.Instance
	Emit    *Emission
}

// Apply computes the next state of inst for sig. It has no side effects.
// Signals arriving in a status that does not accept them leave the saga
// untouched and report Applied=false.
func Apply(inst saga.Instance, sig Signal, now time.Time) Transition {
	next := inst
	next.UpdatedAt = now

	switch s := sig.(type) {
	case PaymentCompleted:
		if inst.Status != saga.StatusPending {
			return ignored(inst)
		}
		next.CurrentStep = saga.StepPaymentCompleted

		return Transition{Applied: true, Next: next}

	case PaymentFailed:
		if inst.Status != saga.StatusPending {
			return ignored(inst)
		}
		next.Status = saga.StatusCancelled
		next.CurrentStep = saga.StepPaymentFailed
		fail(&next, FailurePaymentFailed, now)

		return Transition{Applied: true, Next: next, Emit: &Emission{
			Type: event.OrderCancelled,
			Payload: event.OrderCancelledPayload{
				Reason:        event.ReasonPaymentFailed,
				CustomerEmail: s.Payload.CustomerEmail,
				Currency:      s.Payload.Currency,
			},
		}}

	case InventoryReserved:
		if inst.Status != saga.StatusPending {
			return ignored(inst)
		}
		next.Status = saga.StatusConfirmed
		next.CurrentStep = saga.StepInventoryReserved
		completed := now
		next.CompletedAt = &completed

		return Transition{Applied: true, Next: next, Emit: &Emission{
			Type:    event.OrderConfirmed,
			Payload: event.OrderConfirmedPayload{OrderDetails: s.Payload.OrderDetails},
		}}

	case InventoryFailed:
		if inst.Status != saga.StatusPending {
			return ignored(inst)
		}
		next.Status = saga.StatusRefunding
		next.CurrentStep = saga.StepInventoryFailed

		return Transition{Applied: true, Next: next, Emit: &Emission{
			Type: event.PaymentRefundRequested,
			Payload: event.RefundRequestedPayload{
				OrderDetails: s.Payload.OrderDetails,
				Reason:       event.ReasonInventoryReservationFailed,
			},
		}}

	case PaymentRefunded:
		if inst.Status != saga.StatusRefunding {
			return ignored(inst)
		}
		next.Status = saga.StatusCancelled
		next.CurrentStep = saga.StepPaymentRefunded
		fail(&next, FailurePaymentRefunded, now)
		amount := s.Payload.Amount

		return Transition{Applied: true, Next: next, Emit: &Emission{
			Type: event.OrderCancelled,
			Payload: event.OrderCancelledPayload{
				Reason:        event.ReasonCompensation,
				CustomerEmail: s.Payload.CustomerEmail,
				RefundAmount:  &amount,
				Currency:      s.Payload.Currency,
			},
		}}

	case Timeout:
		if inst.Status != saga.StatusPending {
			return ignored(inst)
		}
		next.Status = saga.StatusTimeoutCancelled
		fail(&next, TimeoutFailure(s.After), now)

		return Transition{Applied: true, Next: next, Emit: &Emission{
			Type: event.OrderCancelled,
			Payload: event.OrderCancelledPayload{
				Reason:         event.ReasonTimeout,
				CustomerEmail:  s.CustomerEmail,
				TimeoutAfterMs: s.After.Milliseconds(),
			},
		}}
	}

	return ignored(inst)
}

func ignored(inst saga.Instance) Transition {
	return Transition{Next: inst}
}

func fail(inst *saga.Instance, reason string, now time.Time) {
	failed := now
	inst.FailedAt = &failed
	inst.FailureReason = &reason
}
