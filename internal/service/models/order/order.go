package order

import (
	"time"

	"github.com/corray333/backend-labs/saga/internal/service/models/event"
)

// Order is the initial domain row of a saga.
type Order struct {
	ID        string
	Details   event.OrderDetails
	CreatedAt time.Time
}
