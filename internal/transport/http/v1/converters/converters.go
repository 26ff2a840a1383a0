package converters

import (
	"encoding/json"
	"time"

	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/corray333/backend-labs/saga/internal/service/services/ordersvc"
	"github.com/shopspring/decimal"
)

// CreateOrderRequest is the body of POST /api/orders.
type CreateOrderRequest struct {
	CustomerEmail string          `json:"customerEmail"`
	Items         []Item          `json:"items"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

type Item struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// UnmarshalJSON also accepts a bare SKU string as a single unit.
func (i *Item) UnmarshalJSON(data []byte) error {
	var sku string
	if err := json.Unmarshal(data, &sku); err == nil {
		*i = Item{SKU: sku, Quantity: 1}

		return nil
	}

	type plain Item
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*i = Item(p)

	return nil
}

// CreateOrderResponse is returned with 201 Created.
type CreateOrderResponse struct {
	OrderID string `json:"orderId"`
	SagaID  string `json:"sagaId"`
	EventID string `json:"eventId"`
	Status  string `json:"status"`
}

// SagaResponse is the body of GET /api/sagas/{sagaId}.
type SagaResponse struct {
	SagaID        string     `json:"sagaId"`
	OrderID       string     `json:"orderId"`
	Status        string     `json:"status"`
	CurrentStep   string     `json:"currentStep"`
	TimeoutAt     time.Time  `json:"timeoutAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	FailedAt      *time.Time `json:"failedAt,omitempty"`
	FailureReason *string    `json:"failureReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ErrorResponse is written for every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// OrderDetailsFromRequest converts the request body to order details.
func OrderDetailsFromRequest(req CreateOrderRequest) event.OrderDetails {
	items := make([]event.Item, len(req.Items))
	for i, item := range req.Items {
		items[i] = event.Item{SKU: item.SKU, Quantity: item.Quantity}
	}

	return event.OrderDetails{
		CustomerEmail: req.CustomerEmail,
		Items:         items,
		Amount:        req.Amount,
		Currency:      req.Currency,
	}
}

func CreatedToResponse(c ordersvc.Created) CreateOrderResponse {
	return CreateOrderResponse{
		OrderID: c.OrderID,
		SagaID:  c.SagaID,
		EventID: c.EventID,
		Status:  string(c.Status),
	}
}

func SagaToResponse(inst saga.Instance) SagaResponse {
	return SagaResponse{
		SagaID:        inst.SagaID,
		OrderID:       inst.OrderID,
		Status:        string(inst.Status),
		CurrentStep:   string(inst.CurrentStep),
		TimeoutAt:     inst.TimeoutAt,
		CompletedAt:   inst.CompletedAt,
		FailedAt:      inst.FailedAt,
		FailureReason: inst.FailureReason,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
}
