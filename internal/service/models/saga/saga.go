package saga

import "time"

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusPending          Status = "PENDING"
	StatusConfirmed        Status = "CONFIRMED"
	StatusCancelled        Status = "CANCELLED"
	StatusRefunding        Status = "REFUNDING"
	StatusTimeoutCancelled Status = "TIMEOUT_CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusCancelled, StatusTimeoutCancelled:
		return true
	default:
		return false
	}
}

// Step is the last saga step that was recorded.
type Step string

const (
	StepStarted                Step = "STARTED"
	StepPaymentCompleted       Step = "PAYMENT_COMPLETED"
	StepPaymentFailed          Step = "PAYMENT_FAILED"
	StepInventoryReserved      Step = "INVENTORY_RESERVED"
	StepInventoryFailed        Step = "INVENTORY_FAILED"
	StepPaymentRefundRequested Step = "PAYMENT_REFUND_REQUESTED"
	StepPaymentRefunded        Step = "PAYMENT_REFUNDED"
	StepOrderConfirmed         Step = "ORDER_CONFIRMED"
	StepOrderCancelled         Step = "ORDER_CANCELLED"
)

// Instance is the durable state of one order saga.
type Instance struct {
	SagaID        string
	OrderID       string
	Status        Status
	CurrentStep   Step
	TimeoutAt     time.Time
	CompletedAt   *time.Time
	FailedAt      *time.Time
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
