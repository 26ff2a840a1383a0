// Package idempotency records which event ids a service has already processed.
package idempotency

import (
	"context"
	"errors"
)

// ErrEmptyEventID is returned when an event id is blank.
var ErrEmptyEventID = errors.New("event id is empty")

// Store is the dedup gate of the consumer pipeline.
type Store interface {
	// TryAcquire reports true exactly once per event id.
	TryAcquire(ctx context.Context, eventID string) (bool, error)
}

// Releaser is implemented by stores that cannot join the handler's
// transaction. Release forgets an id so a retried delivery is processed again.
type Releaser interface {
	Release(ctx context.Context, eventID string) error
}

// Checker is implemented by stores that can tell, without taking a lock,
// whether an id was already processed.
type Checker interface {
	Seen(ctx context.Context, eventID string) (bool, error)
}
