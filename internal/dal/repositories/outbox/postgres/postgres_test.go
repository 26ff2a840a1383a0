package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/service/models/outbox"
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

func newRepo(t *testing.T) (*OutboxRepository, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	return NewOutboxRepository(mockExecutor{mock: mock}), mock
}

func TestInsert(t *testing.T) {
	repo, mock := newRepo(t)

	corr := "corr-1"
	now := time.Now()
	evt := outbox.Event{
		ID:            "evt-1",
		Type:          "OrderCreated",
		Payload:       []byte(`{"eventId":"evt-1"}`),
		RoutingKey:    "order.created",
		SagaID:        "saga-1",
		CorrelationID: &corr,
		CreatedAt:     now,
	}

	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs("evt-1", "OrderCreated", evt.Payload, "order.created", "saga-1", &corr, false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Insert(context.Background(), evt))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockUnpublishedSkipsLockedRows(t *testing.T) {
	repo, mock := newRepo(t)

	created := time.Now().Add(-time.Minute)
	var noCorrelation *string
	var notPublished *time.Time

	rows := pgxmock.NewRows(columns).
		AddRow("evt-1", "PaymentCompleted", []byte(`{}`), "payment.completed", "saga-1", noCorrelation, false, created, notPublished).
		AddRow("evt-2", "PaymentFailed", []byte(`{}`), "payment.failed", "saga-2", noCorrelation, false, created, notPublished)

	mock.ExpectQuery(`SELECT .* FROM outbox_events WHERE published = \$1 ORDER BY created_at ASC LIMIT 10 FOR UPDATE SKIP LOCKED`).
		WithArgs(false).
		WillReturnRows(rows)

	events, err := repo.LockUnpublished(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, "payment.failed", events[1].RoutingKey)
	assert.False(t, events[0].Published)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublished(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec("UPDATE outbox_events SET published = \\$1, published_at = \\$2 WHERE id = \\$3 AND published = \\$4").
		WithArgs(true, pgxmock.AnyArg(), "evt-1", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkPublished(context.Background(), "evt-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublishedTwiceFails(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec("UPDATE outbox_events").
		WithArgs(true, pgxmock.AnyArg(), "evt-1", false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.MarkPublished(context.Background(), "evt-1")
	assert.ErrorIs(t, err, ErrNotMarked)
	assert.NoError(t, mock.ExpectationsWereMet())
}
