package getsaga

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/isagarepo"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/corray333/backend-labs/saga/internal/transport/http/v1/converters"
	"github.com/go-chi/chi/v5"
)

// service is an interface for the service layer.
type service interface {
	GetSaga(ctx context.Context, sagaID string) (saga.Instance, error)
}

// GetSaga returns the current state of the saga named in the URL.
func GetSaga(w http.ResponseWriter, r *http.Request, service service) {
	sagaID := chi.URLParam(r, "sagaId")

	inst, err := service.GetSaga(r.Context(), sagaID)
	if err != nil {
		if errors.Is(err, isagarepo.ErrNotFound) {
			converters.WriteError(w, http.StatusNotFound, "Saga not found")

			return
		}
		converters.WriteError(w, http.StatusInternalServerError, "Failed to load saga")
		slog.ErrorContext(r.Context(), "Error loading saga", "saga_id", sagaID, "error", err)

		return
	}

	converters.WriteJSON(w, http.StatusOK, converters.SagaToResponse(inst))
}
