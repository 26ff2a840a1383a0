package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/isagarepo"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/jackc/pgx/v5"
)

const table = "saga_instances"

var columns = []string{
	"saga_id",
	"order_id",
	"status",
	"current_step",
	"timeout_at",
	"completed_at",
	"failed_at",
	"failure_reason",
	"created_at",
	"updated_at",
}

// SagaRepository implements the saga repository for PostgreSQL.
type SagaRepository struct {
	client postgres.Executor
}

// NewSagaRepository creates a new saga repository.
func NewSagaRepository(client postgres.Executor) *SagaRepository {
	return &SagaRepository{
		client: client,
	}
}

// Create inserts a new saga instance.
func (r *SagaRepository) Create(ctx context.Context, inst saga.Instance) error {
	query, args, err := sq.Insert(table).
		Columns(columns...).
		Values(
			inst.SagaID,
			inst.OrderID,
			string(inst.Status),
			string(inst.CurrentStep),
			inst.TimeoutAt,
			inst.CompletedAt,
			inst.FailedAt,
			inst.FailureReason,
			inst.CreatedAt,
			inst.UpdatedAt,
		).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert query: %w", err)
	}

	if _, err := r.client.Querier(ctx).Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert saga: %w", err)
	}

	return nil
}

// Get reads a saga without locking it.
func (r *SagaRepository) Get(ctx context.Context, sagaID string) (saga.Instance, error) {
	return r.get(ctx, sagaID, "")
}

// GetForUpdate reads a saga and locks its row.
func (r *SagaRepository) GetForUpdate(ctx context.Context, sagaID string) (saga.Instance, error) {
	return r.get(ctx, sagaID, "FOR UPDATE")
}

func (r *SagaRepository) get(ctx context.Context, sagaID, suffix string) (saga.Instance, error) {
	builder := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"saga_id": sagaID}).
		PlaceholderFormat(sq.Dollar)
	if suffix != "" {
		builder = builder.Suffix(suffix)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return saga.Instance{}, fmt.Errorf("failed to build select query: %w", err)
	}

	inst, err := scanInstance(r.client.Querier(ctx).QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return saga.Instance{}, fmt.Errorf("%w: %s", isagarepo.ErrNotFound, sagaID)
	}
	if err != nil {
		return saga.Instance{}, fmt.Errorf("failed to get saga: %w", err)
	}

	return inst, nil
}

// Update persists the mutable columns of a saga.
func (r *SagaRepository) Update(ctx context.Context, inst saga.Instance) error {
	query, args, err := sq.Update(table).
		Set("status", string(inst.Status)).
		Set("current_step", string(inst.CurrentStep)).
		Set("completed_at", inst.CompletedAt).
		Set("failed_at", inst.FailedAt).
		Set("failure_reason", inst.FailureReason).
		Set("updated_at", inst.UpdatedAt).
		Where(sq.Eq{"saga_id": inst.SagaID}).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update query: %w", err)
	}

	tag, err := r.client.Querier(ctx).Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", isagarepo.ErrNotFound, inst.SagaID)
	}

	return nil
}

// FindExpiredPending returns pending sagas whose deadline has passed.
func (r *SagaRepository) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]saga.Instance, error) {
	query, args, err := sq.Select(columns...).
		From(table).
		Where(sq.Eq{"status": string(saga.StatusPending)}).
		Where(sq.Lt{"timeout_at": now}).
		OrderBy("timeout_at ASC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select query: %w", err)
	}

	rows, err := r.client.Querier(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sagas: %w", err)
	}
	defer rows.Close()

	var sagas []saga.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		sagas = append(sagas, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sagas: %w", err)
	}

	return sagas, nil
}

func scanInstance(row pgx.Row) (saga.Instance, error) {
	var (
		inst   saga.Instance
		status string
		step   string
	)

	err := row.Scan(
		&inst.SagaID,
		&inst.OrderID,
		&status,
		&step,
		&inst.TimeoutAt,
		&inst.CompletedAt,
		&inst.FailedAt,
		&inst.FailureReason,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return saga.Instance{}, err
	}

	inst.Status = saga.Status(status)
	inst.CurrentStep = saga.Step(step)

	return inst, nil
}
