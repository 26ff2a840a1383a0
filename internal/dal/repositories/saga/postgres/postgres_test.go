package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/isagarepo"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mock pgxmock.PgxPoolIface
}

func (m mockExecutor) Querier(context.Context) postgres.Querier {
	return m.mock
}

func newRepo(t *testing.T) (*SagaRepository, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewSagaRepository(mockExecutor{mock: mock}), mock
}

func pendingRow(sagaID string, timeoutAt time.Time) *pgxmock.Rows {
	var (
		noTime   *time.Time
		noReason *string
	)

	return pgxmock.NewRows(columns).
		AddRow(sagaID, "order-1", "PENDING", "STARTED", timeoutAt, noTime, noTime, noReason, timeoutAt, timeoutAt)
}

func TestGetForUpdateLocksRow(t *testing.T) {
	repo, mock := newRepo(t)
	deadline := time.Now().Add(time.Minute)

	mock.ExpectQuery(`SELECT .* FROM saga_instances WHERE saga_id = \$1 FOR UPDATE`).
		WithArgs("saga-1").
		WillReturnRows(pendingRow("saga-1", deadline))

	inst, err := repo.GetForUpdate(context.Background(), "saga-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPending, inst.Status)
	assert.Equal(t, saga.StepStarted, inst.CurrentStep)
	assert.Equal(t, "order-1", inst.OrderID)
	assert.Nil(t, inst.FailureReason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery("SELECT .* FROM saga_instances").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, isagarepo.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate(t *testing.T) {
	repo, mock := newRepo(t)

	now := time.Now()
	reason := "Payment failed"
	inst := saga.Instance{
		SagaID:        "saga-1",
		Status:        saga.StatusCancelled,
		CurrentStep:   saga.StepPaymentFailed,
		FailedAt:      &now,
		FailureReason: &reason,
		UpdatedAt:     now,
	}

	mock.ExpectExec("UPDATE saga_instances SET status = \\$1, current_step = \\$2").
		WithArgs("CANCELLED", "PAYMENT_FAILED", inst.CompletedAt, &now, &reason, now, "saga-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Update(context.Background(), inst))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindExpiredPending(t *testing.T) {
	repo, mock := newRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM saga_instances WHERE status = \$1 AND timeout_at < \$2 ORDER BY timeout_at ASC LIMIT 100`).
		WithArgs("PENDING", now).
		WillReturnRows(pendingRow("saga-9", now.Add(-time.Second)))

	sagas, err := repo.FindExpiredPending(context.Background(), now, 100)
	require.NoError(t, err)
	require.Len(t, sagas, 1)
	assert.Equal(t, "saga-9", sagas[0].SagaID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
