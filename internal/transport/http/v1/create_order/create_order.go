package createorder

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/internal/service/services/ordersvc"
	"github.com/corray333/backend-labs/saga/internal/transport/http/v1/converters"
)

const maxBodyBytes = 1 << 20

// service is an interface for the service layer.
type service interface {
	CreateOrder(ctx context.Context, details event.OrderDetails) (ordersvc.Created, error)
}

// CreateOrder accepts an order and starts its saga.
func CreateOrder(w http.ResponseWriter, r *http.Request, service service) {
	var req converters.CreateOrderRequest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		converters.WriteError(w, http.StatusBadRequest, "Failed to decode request body")
		slog.ErrorContext(r.Context(), "Error decoding request body for create order", "error", err)

		return
	}

	created, err := service.CreateOrder(r.Context(), converters.OrderDetailsFromRequest(req))
	if err != nil {
		if errors.Is(err, ordersvc.ErrInvalidOrder) {
			converters.WriteError(w, http.StatusBadRequest, err.Error())

			return
		}
		converters.WriteError(w, http.StatusInternalServerError, "Failed to create order")
		slog.ErrorContext(r.Context(), "Error creating order", "error", err)

		return
	}

	converters.WriteJSON(w, http.StatusCreated, converters.CreatedToResponse(created))
}
