package event

import "github.com/shopspring/decimal"

// Cancellation reasons carried by OrderCancelled.
const (
	ReasonPaymentFailed = "payment_failed"
	ReasonCompensation  = "compensation"
	ReasonTimeout       = "timeout"

	ReasonInventoryReservationFailed = "inventory_reservation_failed"
)

// Item is a single order line.
type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// OrderDetails is forwarded through every step of the saga so downstream
// handlers never have to look the order up.
type OrderDetails struct {
	CustomerEmail string          `json:"customerEmail"`
	Items         []Item          `json:"items"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// OrderCreatedPayload is emitted when an order is accepted.
type OrderCreatedPayload struct {
	OrderDetails
}

// PaymentPayload is carried by PaymentCompleted, PaymentFailed and PaymentRefunded.
type PaymentPayload struct {
	OrderDetails
	PaymentID string `json:"paymentId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// InventoryPayload is carried by InventoryReserved and InventoryFailed.
type InventoryPayload struct {
	OrderDetails
	ReservationID string `json:"reservationId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// RefundRequestedPayload asks the payment service to compensate a charge.
type RefundRequestedPayload struct {
	OrderDetails
	Reason string `json:"reason"`
}

// OrderConfirmedPayload is emitted when the saga completes.
type OrderConfirmedPayload struct {
	OrderDetails
}

// OrderCancelledPayload is emitted on every cancellation branch.
type OrderCancelledPayload struct {
	Reason         string           `json:"reason"`
	CustomerEmail  string           `json:"customerEmail,omitempty"`
	RefundAmount   *decimal.Decimal `json:"refundAmount,omitempty"`
	Currency       string           `json:"currency,omitempty"`
	TimeoutAfterMs int64            `json:"timeoutAfterMs,omitempty"`
}
