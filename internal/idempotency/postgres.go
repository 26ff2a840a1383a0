package idempotency

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
)

// PostgresStore inserts into processed_events. Inside a transaction the
// dedup row commits or rolls back together with the handler's writes.
type PostgresStore struct {
	client  postgres.Executor
	service string
}

// NewPostgresStore creates a store scoped to service.
func NewPostgresStore(client postgres.Executor, service string) *PostgresStore {
	return &PostgresStore{
		client:  client,
		service: service,
	}
}

// TryAcquire inserts the id; a conflicting row means it was seen before.
func (s *PostgresStore) TryAcquire(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}

	query, args, err := sq.Insert("processed_events").
		Columns("service_name", "event_id", "processed_at").
		Values(s.service, eventID, time.Now().UTC()).
		Suffix("ON CONFLICT (service_name, event_id) DO NOTHING").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build insert query: %w", err)
	}

	tag, err := s.client.Querier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to insert processed event: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// Seen looks the id up without locking, outside any transaction in ctx.
func (s *PostgresStore) Seen(ctx context.Context, eventID string) (bool, error) {
	query, args, err := sq.Select("1").
		From("processed_events").
		Where(sq.And{sq.Eq{"service_name": s.service}, sq.Eq{"event_id": eventID}}).
		Prefix("SELECT EXISTS (").
		Suffix(")").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build select query: %w", err)
	}

	var seen bool
	if err := s.client.Querier(ctx).QueryRow(ctx, query, args...).Scan(&seen); err != nil {
		return false, fmt.Errorf("failed to look up processed event: %w", err)
	}

	return seen, nil
}
