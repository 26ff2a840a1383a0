package isagarepo

import (
	"context"
	"errors"
	"time"

	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
)

// ErrNotFound is returned when no saga row matches.
var ErrNotFound = errors.New("saga not found")

// ISagaRepository is interface for saga repository.
type ISagaRepository interface {
	Create(ctx context.Context, inst saga.Instance) error
	Get(ctx context.Context, sagaID string) (saga.Instance, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, sagaID string) (saga.Instance, error)
	Update(ctx context.Context, inst saga.Instance) error
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]saga.Instance, error)
}
