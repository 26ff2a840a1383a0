package outbox

import (
	"time"
)

// Event is a row of the outbox_events table.
type Event struct {
	ID            string
	Type          string
	Payload       []byte
	RoutingKey    string
	SagaID        string
	CorrelationID *string
	Published     bool
	CreatedAt     time.Time
	PublishedAt   *time.Time
}
