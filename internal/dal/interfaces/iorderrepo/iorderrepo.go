package iorderrepo

import (
	"context"
	"errors"

	"github.com/corray333/backend-labs/saga/internal/service/models/order"
)

// ErrNotFound is returned when no order row matches.
var ErrNotFound = errors.New("order not found")

// IOrderRepository is interface for order repository.
type IOrderRepository interface {
	Insert(ctx context.Context, o order.Order) error
	Get(ctx context.Context, id string) (order.Order, error)
}
