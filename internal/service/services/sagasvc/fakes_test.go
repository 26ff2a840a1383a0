package sagasvc

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/iorderrepo"
	"github.com/corray333/backend-labs/saga/internal/dal/interfaces/isagarepo"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/outbox"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	outboxmodel "github.com/corray333/backend-labs/saga/internal/service/models/outbox"
	"github.com/corray333/backend-labs/saga/internal/service/models/order"
	"github.com/corray333/backend-labs/saga/internal/service/models/saga"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// fakeTx only marks a context as transactional.
type fakeTx struct {
	pgx.Tx
}

// memDB is an in-memory database whose transactions are serialized and
// restored on error.
type memDB struct {
	txMu sync.Mutex
	mu   sync.Mutex

	sagas     map[string]saga.Instance
	orders    map[string]order.Order
	events    []outboxmodel.Event
	appendErr error
}

func newMemDB() *memDB {
	return &memDB{
		sagas:  make(map[string]saga.Instance),
		orders: make(map[string]order.Order),
	}
}

func (db *memDB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := postgres.TxFromContext(ctx); ok {
		return fn(ctx)
	}

	db.txMu.Lock()
	defer db.txMu.Unlock()

	db.mu.Lock()
	sagas, orders, events := maps.Clone(db.sagas), maps.Clone(db.orders), slices.Clone(db.events)
	db.mu.Unlock()

	if err := fn(postgres.WithTx(ctx, fakeTx{})); err != nil {
		db.mu.Lock()
		db.sagas, db.orders, db.events = sagas, orders, events
		db.mu.Unlock()

		return err
	}

	return nil
}

func (db *memDB) eventsOfType(t event.Type) []outboxmodel.Event {
	db.mu.Lock()
	defer db.mu.Unlock()

	var out []outboxmodel.Event
	for _, e := range db.events {
		if e.Type == string(t) {
			out = append(out, e)
		}
	}

	return out
}

type memSagaRepo struct{ db *memDB }

func (r memSagaRepo) Create(_ context.Context, inst saga.Instance) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.sagas[inst.SagaID] = inst

	return nil
}

func (r memSagaRepo) Get(_ context.Context, id string) (saga.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	inst, ok := r.db.sagas[id]
	if !ok {
		return saga.Instance{}, isagarepo.ErrNotFound
	}

	return inst, nil
}

func (r memSagaRepo) GetForUpdate(ctx context.Context, id string) (saga.Instance, error) {
	return r.Get(ctx, id)
}

func (r memSagaRepo) Update(_ context.Context, inst saga.Instance) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.sagas[inst.SagaID] = inst

	return nil
}

func (r memSagaRepo) FindExpiredPending(_ context.Context, now time.Time, limit int) ([]saga.Instance, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var out []saga.Instance
	for _, inst := range r.db.sagas {
		if inst.Status == saga.StatusPending && inst.TimeoutAt.Before(now) && len(out) < limit {
			out = append(out, inst)
		}
	}

	return out, nil
}

type memOrderRepo struct{ db *memDB }

func (r memOrderRepo) Insert(_ context.Context, o order.Order) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.orders[o.ID] = o

	return nil
}

func (r memOrderRepo) Get(_ context.Context, id string) (order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	o, ok := r.db.orders[id]
	if !ok {
		return order.Order{}, iorderrepo.ErrNotFound
	}

	return o, nil
}

type memOutboxRepo struct{ db *memDB }

func (r memOutboxRepo) Insert(_ context.Context, evt outboxmodel.Event) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if r.db.appendErr != nil {
		return r.db.appendErr
	}
	r.db.events = append(r.db.events, evt)

	return nil
}

func (r memOutboxRepo) LockUnpublished(context.Context, int) ([]outboxmodel.Event, error) {
	return nil, errors.New("not used")
}

func (r memOutboxRepo) MarkPublished(context.Context, string) error {
	return errors.New("not used")
}

type fixture struct {
	db  *memDB
	svc *SagaService
	now time.Time
}

var testDetails = event.OrderDetails{
	CustomerEmail: "ada@example.com",
	Items:         []event.Item{{SKU: "SKU-1", Quantity: 1}},
	Amount:        decimal.RequireFromString("42.50"),
	Currency:      "EUR",
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		db:  newMemDB(),
		now: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = MustNewSagaService(
		WithTransactor(f.db),
		WithSagaRepository(memSagaRepo{db: f.db}),
		WithOrderRepository(memOrderRepo{db: f.db}),
		WithOutboxWriter(outbox.NewWriter(memOutboxRepo{db: f.db})),
		WithTimeout(90*time.Second),
		WithClock(func() time.Time { return f.now }),
	)

	return f
}

// begin creates an order and its saga the way the order service does.
func (f *fixture) begin(t *testing.T) Started {
	t.Helper()

	orderID := uuid.NewString()
	var started Started
	err := f.db.WithinTx(context.Background(), func(ctx context.Context) error {
		if err := (memOrderRepo{db: f.db}).Insert(ctx, order.Order{ID: orderID, Details: testDetails, CreatedAt: f.now}); err != nil {
			return err
		}

		var err error
		started, err = f.svc.Begin(ctx, orderID, event.OrderCreatedPayload{OrderDetails: testDetails})

		return err
	})
	require.NoError(t, err)

	return started
}

func (f *fixture) saga(t *testing.T, id string) saga.Instance {
	t.Helper()

	inst, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)

	return inst
}

func signalEnvelope(t *testing.T, sagaID, routingKey string, payload any) event.Envelope {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	return event.Envelope{
		EventID:    uuid.NewString(),
		SagaID:     sagaID,
		OrderID:    "order",
		Timestamp:  time.Now(),
		Payload:    raw,
		RoutingKey: routingKey,
	}
}

func decodeEvent[T any](t *testing.T, row outboxmodel.Event) T {
	t.Helper()

	env, err := event.Decode(row.Payload)
	require.NoError(t, err)

	var p T
	require.NoError(t, env.DecodePayload(&p))

	return p
}
