package sagasvc

import (
	"fmt"
	"time"

	"github.com/corray333/backend-labs/saga/internal/service/models/event"
)

// Signal is an input to the saga state machine. The set is closed.
type Signal interface {
	Name() string
	signal()
}

type PaymentCompleted struct {
	Payload event.PaymentPayload
}

type PaymentFailed struct {
	Payload event.PaymentPayload
}

type InventoryReserved struct {
	Payload event.InventoryPayload
}

type InventoryFailed struct {
	Payload event.InventoryPayload
}

type PaymentRefunded struct {
	Payload event.PaymentPayload
}

// Timeout is raised by the timeout monitor, never by a message.
type Timeout struct {
	After         time.Duration
	CustomerEmail string
}

func (PaymentCompleted) Name() string  { return string(event.PaymentCompleted) }
func (PaymentFailed) Name() string     { return string(event.PaymentFailed) }
func (InventoryReserved) Name() string { return string(event.InventoryReserved) }
func (InventoryFailed) Name() string   { return string(event.InventoryFailed) }
func (PaymentRefunded) Name() string   { return string(event.PaymentRefunded) }
func (Timeout) Name() string           { return "Timeout" }

func (PaymentCompleted) signal()  {}
func (PaymentFailed) signal()     {}
func (InventoryReserved) signal() {}
func (InventoryFailed) signal()   {}
func (PaymentRefunded) signal()   {}
func (Timeout) signal()           {}

type decoder func(env event.Envelope) (Signal, error)

func paymentSignal(wrap func(event.PaymentPayload) Signal) decoder {
	return func(env event.Envelope) (Signal, error) {
		var p event.PaymentPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}

		return wrap(p), nil
	}
}

func inventorySignal(wrap func(event.InventoryPayload) Signal) decoder {
	return func(env event.Envelope) (Signal, error) {
		var p event.InventoryPayload
		if err := env.DecodePayload(&p); err != nil {
			return nil, err
		}

		return wrap(p), nil
	}
}

var decoders = map[string]decoder{
	event.KeyPaymentCompleted: paymentSignal(func(p event.PaymentPayload) Signal {
		return PaymentCompleted{Payload: p}
	}),
	event.KeyPaymentFailed: paymentSignal(func(p event.PaymentPayload) Signal {
		return PaymentFailed{Payload: p}
	}),
	event.KeyPaymentRefunded: paymentSignal(func(p event.PaymentPayload) Signal {
		return PaymentRefunded{Payload: p}
	}),
	event.KeyInventoryReserved: inventorySignal(func(p event.InventoryPayload) Signal {
		return InventoryReserved{Payload: p}
	}),
	event.KeyInventoryFailed: inventorySignal(func(p event.InventoryPayload) Signal {
		return InventoryFailed{Payload: p}
	}),
}

// SubscribedKeys lists the routing keys the saga consumes.
func SubscribedKeys() []string {
	return []string{
		event.KeyPaymentCompleted,
		event.KeyPaymentFailed,
		event.KeyInventoryReserved,
		event.KeyInventoryFailed,
		event.KeyPaymentRefunded,
	}
}

// DecodeSignal maps an envelope to its signal by routing key.
func DecodeSignal(env event.Envelope) (Signal, error) {
	decode, ok := decoders[env.RoutingKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", event.ErrUnknownSignal, env.RoutingKey)
	}

	sig, err := decode(env)
	if err != nil {
		return nil, err
	}

	return sig, nil
}
