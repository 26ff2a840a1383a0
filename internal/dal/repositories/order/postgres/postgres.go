package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/service/models/order"
	"github.com/jackc/pgx/v5"
)

const table = "orders"

// OrderRepository implements the order repository for PostgreSQL.
type OrderRepository struct {
	client postgres.Executor
}

// NewOrderRepository creates a new order repository.
func NewOrderRepository(client postgres.Executor) *OrderRepository {
	return &OrderRepository{
		client: client,
	}
}

// Insert stores an order. Details are kept as JSONB.
func (r *OrderRepository) Insert(ctx context.Context, o order.Order) error {
	details, err := json.Marshal(o.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal order details: %w", err)
	}

	query, args, err := sq.Insert(table).
		Columns("id", "details", "created_at").
		Values(o.ID, details, o.CreatedAt).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.client.Querier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	return nil
}

// Get loads an order by id.
func (r *OrderRepository) Get(ctx context.Context, id string) (order.Order, error) {
	query, args, err := sq.Select("id", "details", "created_at").
		From(table).
		Where(sq.Eq{"id": id}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to build select query: %w", err)
	}

	var (
		o       order.Order
		details []byte
	)
	err = r.client.Querier(ctx).QueryRow(ctx, query, args...).Scan(&o.ID, &details, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, fmt.Errorf("%w: %s", iorderrepo.ErrNotFound, id)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("failed to get order: %w", err)
	}

	if err := json.Unmarshal(details, &o.Details); err != nil {
		return order.Order{}, fmt.Errorf("failed to unmarshal order details: %w", err)
	}

	return o, nil
}
