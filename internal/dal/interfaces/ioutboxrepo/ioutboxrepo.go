package ioutboxrepo

import (
	"context"

	"github.com/corray333/backend-labs/saga/internal/service/models/outbox"
)

// IOutboxRepository defines the interface for outbox operations.
// Every method runs on the transaction carried by ctx when there is one.
type IOutboxRepository interface {
	// Insert appends an event row.
	Insert(ctx context.Context, evt outbox.Event) error

	// LockUnpublished selects up to limit unpublished rows in creation order,
	// skipping rows locked by another relay.
	LockUnpublished(ctx context.Context, limit int) ([]outbox.Event, error)

	// MarkPublished flips published to true exactly once.
	MarkPublished(ctx context.Context, id string) error
}
