// Package outbox appends events to the outbox table inside the caller's
// transaction.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/ioutboxrepo"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/internal/service/models/outbox"
	"github.com/google/uuid"
)

// ErrUnknownEventType is returned for event types without a routing key.
var ErrUnknownEventType = errors.New("unknown event type")

// Params describe an event to append.
type Params struct {
	Type          event.Type
	SagaID        string
	OrderID       string
	Payload       any
	CorrelationID *string
}

// Appended is what a successful Append produced.
type Appended struct {
	EventID    string
	RoutingKey string
	Envelope   event.Envelope
}

// Writer appends envelopes to the outbox.
type Writer struct {
	repo ioutboxrepo.IOutboxRepository
	now  func() time.Time
}

// NewWriter creates a new outbox writer.
func NewWriter(repo ioutboxrepo.IOutboxRepository) *Writer {
	return &Writer{
		repo: repo,
		now:  time.Now,
	}
}

// Append builds the envelope and inserts it. ctx must carry the transaction
// that also holds the caller's state change.
func (w *Writer) Append(ctx context.Context, p Params) (Appended, error) {
	if _, ok := postgres.TxFromContext(ctx); !ok {
		return Appended{}, postgres.ErrNoTransaction
	}

	routingKey, ok := event.RoutingKey(p.Type)
	if !ok {
		return Appended{}, fmt.Errorf("%w: %s", ErrUnknownEventType, p.Type)
	}

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return Appended{}, fmt.Errorf("failed to marshal %s payload: %w", p.Type, err)
	}

	now := w.now().UTC()
	env := event.Envelope{
		EventID:   uuid.NewString(),
		SagaID:    p.SagaID,
		OrderID:   p.OrderID,
		Timestamp: now,
		Payload:   payload,
	}

	body, err := json.Marshal(env)
	if err != nil {
		return Appended{}, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = w.repo.Insert(ctx, outbox.Event{
		ID:            env.EventID,
		Type:          string(p.Type),
		Payload:       body,
		RoutingKey:    routingKey,
		SagaID:        p.SagaID,
		CorrelationID: p.CorrelationID,
		CreatedAt:     now,
	})
	if err != nil {
		return Appended{}, err
	}

	env.RoutingKey = routingKey

	return Appended{
		EventID:    env.EventID,
		RoutingKey: routingKey,
		Envelope:   env,
	}, nil
}
