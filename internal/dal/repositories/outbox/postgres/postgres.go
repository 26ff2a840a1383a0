package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/service/models/outbox"
)

// ErrNotMarked is returned when a row could not be flipped to published.
var ErrNotMarked = errors.New("outbox event was not marked as published")

const table = "outbox_events"

var columns = []string{
	"id",
	"type",
	"payload",
	"routing_key",
	"saga_id",
	"correlation_id",
	"published",
	"created_at",
	"published_at",
}

// OutboxRepository implements the outbox repository for PostgreSQL.
type OutboxRepository struct {
	client postgres.Executor
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(client postgres.Executor) *OutboxRepository {
	return &OutboxRepository{
		client: client,
	}
}

// Insert adds a new event to the outbox.
func (r *OutboxRepository) Insert(ctx context.Context, evt outbox.Event) error {
	query, args, err := sq.Insert(table).
		Columns(
			"id",
			"type",
			"payload",
			"routing_key",
			"saga_id",
			"correlation_id",
			"published",
			"created_at",
		).
		Values(
			evt.ID,
			evt.Type,
			evt.Payload,
			evt.RoutingKey,
			evt.SagaID,
			evt.CorrelationID,
			false,
			evt.CreatedAt,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.client.Querier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	return nil
}

// LockUnpublished selects pending events oldest first, skipping rows another
// relay instance already holds.
func (r *OutboxRepository) LockUnpublished(ctx context.Context, limit int) ([]outbox.Event, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"published": false}).
		OrderBy("created_at ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.client.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		var evt outbox.Event
		err := rows.Scan(
			&evt.ID,
			&evt.Type,
			&evt.Payload,
			&evt.RoutingKey,
			&evt.SagaID,
			&evt.CorrelationID,
			&evt.Published,
			&evt.CreatedAt,
			&evt.PublishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		events = append(events, evt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox events: %w", err)
	}

	return events, nil
}

// MarkPublished records a broker-confirmed publish.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id string) error {
	query, args, err := sq.Update(table).
		Set("published", true).
		Set("published_at", time.Now()).
		Where(sq.Eq{"id": id, "published": false}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.client.Querier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox event: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrNotMarked, id)
	}

	return nil
}
