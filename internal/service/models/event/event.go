package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the name of a saga event, e.g. OrderCreated.
type Type string

const (
	OrderCreated           Type = "OrderCreated"
	PaymentCompleted       Type = "PaymentCompleted"
	PaymentFailed          Type = "PaymentFailed"
	InventoryReserved      Type = "InventoryReserved"
	InventoryFailed        Type = "InventoryFailed"
	PaymentRefundRequested Type = "PaymentRefundRequested"
	PaymentRefunded        Type = "PaymentRefunded"
	OrderConfirmed         Type = "OrderConfirmed"
	OrderCancelled         Type = "OrderCancelled"
)

// Broker routing keys, one per event type.
const (
	KeyOrderCreated           = "order.created"
	KeyPaymentCompleted       = "payment.completed"
	KeyPaymentFailed          = "payment.failed"
	KeyInventoryReserved      = "inventory.reserved"
	KeyInventoryFailed        = "inventory.failed"
	KeyPaymentRefundRequested = "payment.refund.requested"
	KeyPaymentRefunded        = "payment.refunded"
	KeyOrderConfirmed         = "order.confirmed"
	KeyOrderCancelled         = "order.cancelled"
)

var routingKeys = map[Type]string{
	OrderCreated:           KeyOrderCreated,
	PaymentCompleted:       KeyPaymentCompleted,
	PaymentFailed:          KeyPaymentFailed,
	InventoryReserved:      KeyInventoryReserved,
	InventoryFailed:        KeyInventoryFailed,
	PaymentRefundRequested: KeyPaymentRefundRequested,
	PaymentRefunded:        KeyPaymentRefunded,
	OrderConfirmed:         KeyOrderConfirmed,
	OrderCancelled:         KeyOrderCancelled,
}

// RoutingKey resolves the static routing key of an event type.
func RoutingKey(t Type) (string, bool) {
	key, ok := routingKeys[t]

	return key, ok
}

var (
	// ErrInvalidEnvelope is returned for messages that fail the structural check.
	ErrInvalidEnvelope = errors.New("invalid event envelope")
	// ErrUnknownSignal is returned by handlers for routing keys they cannot map.
	ErrUnknownSignal = errors.New("unknown signal")
)

// Envelope is the wire message exchanged between services.
type Envelope struct {
	EventID   string          `json:"eventId"`
	SagaID    string          `json:"sagaId"`
	OrderID   string          `json:"orderId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`

	// RoutingKey and CorrelationID are attached by the receiving pipeline
	// from delivery metadata.
	RoutingKey    string `json:"-"`
	CorrelationID string `json:"-"`
}

// Correlation returns the correlation id to carry into follow-up events.
// The saga id stands in when the delivery had none.
func (e Envelope) Correlation() *string {
	if e.CorrelationID != "" {
		id := e.CorrelationID

		return &id
	}
	id := e.SagaID

	return &id
}

// rawEnvelope keeps the timestamp as a string so a missing value can be told
// apart from a malformed one.
type rawEnvelope struct {
	EventID   string          `json:"eventId"`
	SagaID    string          `json:"sagaId"`
	OrderID   string          `json:"orderId"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Decode parses and validates a message body.
func Decode(body []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: invalid JSON payload: %v", ErrInvalidEnvelope, err)
	}

	switch {
	case raw.EventID == "":
		return Envelope{}, missing("eventId")
	case raw.SagaID == "":
		return Envelope{}, missing("sagaId")
	case raw.OrderID == "":
		return Envelope{}, missing("orderId")
	case raw.Timestamp == "":
		return Envelope{}, missing("timestamp")
	case !isObject(raw.Payload):
		return Envelope{}, missing("payload")
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: malformed timestamp %q", ErrInvalidEnvelope, raw.Timestamp)
	}

	return Envelope{
		EventID:   raw.EventID,
		SagaID:    raw.SagaID,
		OrderID:   raw.OrderID,
		Timestamp: ts,
		Payload:   raw.Payload,
	}, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing required field: %s", ErrInvalidEnvelope, field)
}

func isObject(p json.RawMessage) bool {
	for _, b := range p {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return true
		default:
			return false
		}
	}

	return false
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventID, err)
	}

	return nil
}
