package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/corray333/backend-labs/saga/internal/idempotency"
	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/corray333/backend-labs/saga/internal/service/models/event"
	"github.com/corray333/backend-labs/saga/pkg/logger"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func newAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: make(map[uint64]*ackRecord)}
}

func (a *fakeAcknowledger) record(tag uint64) *ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.records[tag]
	if !ok {
		r = &ackRecord{}
		a.records[tag] = r
	}

	return r
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.record(tag).acked = true

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	r := a.record(tag)
	r.nacked = true
	r.requeue = requeue

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{exchange: exchange, key: key, msg: msg})

	return nil
}

func (p *fakePublisher) last(t *testing.T) published {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.msgs)

	return p.msgs[len(p.msgs)-1]
}

var testTopology = rabbitmq.Topology{
	Exchange:     "order.topic",
	ExchangeKind: "topic",
	Service:      "order-svc",
	Bindings:     []string{event.KeyPaymentCompleted, event.KeyInventoryReserved},
	RetryDelay:   time.Second,
}

type harness struct {
	pipeline  *Pipeline
	ack       *fakeAcknowledger
	publisher *fakePublisher
	store     *idempotency.MemoryStore
	calls     int
	handler   func(env event.Envelope) error
	nextTag   uint64
}

func newHarness(maxRetries int, opts ...PipelineOption) *harness {
	h := &harness{
		ack:       newAcknowledger(),
		publisher: &fakePublisher{},
		store:     idempotency.NewMemoryStore(100),
	}
	handler := HandlerFunc(func(_ context.Context, env event.Envelope) error {
		h.calls++
		if h.handler != nil {
			return h.handler(env)
		}

		return nil
	})
	opts = append(opts, WithClock(func() time.Time {
		return time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	}))
	h.pipeline = NewPipeline(testTopology, maxRetries, handler, h.store, h.publisher, opts...)

	return h
}

func (h *harness) delivery(routingKey string, body []byte, headers amqp.Table) amqp.Delivery {
	h.nextTag++

	return amqp.Delivery{
		Acknowledger: h.ack,
		DeliveryTag:  h.nextTag,
		RoutingKey:   routingKey,
		Headers:      headers,
		ContentType:  "application/json",
		Body:         body,
	}
}

func envelope(t *testing.T, eventID string) []byte {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"eventId":   eventID,
		"sagaId":    "saga-1",
		"orderId":   "order-1",
		"timestamp": "2026-05-06T07:08:09Z",
		"payload":   map[string]any{"currency": "USD"},
	})
	require.NoError(t, err)

	return body
}

func TestProcessAcksHandledMessage(t *testing.T) {
	h := newHarness(3)
	var got event.Envelope
	h.handler = func(env event.Envelope) error {
		got = env

		return nil
	}

	d := h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil)
	outcome := h.pipeline.Process(context.Background(), d)

	assert.Equal(t, OutcomeAcked, outcome)
	assert.True(t, h.ack.record(d.DeliveryTag).acked)
	assert.Equal(t, "evt-1", got.EventID)
	assert.Equal(t, event.KeyPaymentCompleted, got.RoutingKey)
	assert.Empty(t, h.publisher.msgs)
}

func TestProcessSkipsDuplicates(t *testing.T) {
	h := newHarness(3)
	body := envelope(t, "evt-1")

	first := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, body, nil))
	d := h.delivery(event.KeyPaymentCompleted, body, nil)
	second := h.pipeline.Process(context.Background(), d)

	assert.Equal(t, OutcomeAcked, first)
	assert.Equal(t, OutcomeDuplicate, second)
	assert.True(t, h.ack.record(d.DeliveryTag).acked)
	assert.Equal(t, 1, h.calls)
}

func TestProcessManyRedeliveriesHaveOneEffect(t *testing.T) {
	h := newHarness(3)
	body := envelope(t, "evt-1")

	for range 10 {
		h.pipeline.Process(context.Background(), h.delivery(event.KeyInventoryReserved, body, nil))
	}

	assert.Equal(t, 1, h.calls)
}

func TestProcessDeadLettersInvalidMessages(t *testing.T) {
	tests := []struct {
		name   string
		body   []byte
		reason string
	}{
		{name: "invalid json", body: []byte("{oops"), reason: "invalid JSON payload"},
		{
			name:   "missing saga id",
			body:   []byte(`{"eventId":"e","orderId":"o","timestamp":"2026-01-01T00:00:00Z","payload":{}}`),
			reason: "missing required field: sagaId",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(3)
			d := h.delivery(event.KeyPaymentCompleted, tt.body, amqp.Table{rabbitmq.HeaderRetryCount: int32(1)})

			outcome := h.pipeline.Process(context.Background(), d)

			assert.Equal(t, OutcomeDeadLettered, outcome)
			assert.Zero(t, h.calls, "handler must not run")
			assert.True(t, h.ack.record(d.DeliveryTag).acked)

			require.Len(t, h.publisher.msgs, 1, "no retry slot is consumed")
			dl := h.publisher.last(t)
			assert.Equal(t, "", dl.exchange)
			assert.Equal(t, "order-svc_dlq", dl.key)
			assert.Contains(t, dl.msg.Headers[rabbitmq.HeaderFinalFailureReason], tt.reason)
			assert.Equal(t, "order-svc_queue", dl.msg.Headers[rabbitmq.HeaderSourceQueue])
			assert.Equal(t, "order-svc", dl.msg.Headers[rabbitmq.HeaderServiceName])
			assert.Equal(t, "2026-05-06T07:08:09Z", dl.msg.Headers[rabbitmq.HeaderFinalFailureAt])
		})
	}
}

func TestProcessRetriesFailedHandler(t *testing.T) {
	h := newHarness(3)
	h.handler = func(event.Envelope) error { return errors.New("db unavailable") }

	d := h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil)
	outcome := h.pipeline.Process(context.Background(), d)

	assert.Equal(t, OutcomeRetried, outcome)
	assert.True(t, h.ack.record(d.DeliveryTag).acked)

	retry := h.publisher.last(t)
	assert.Equal(t, "order-svc_retry_queue", retry.key)
	assert.Equal(t, int32(1), retry.msg.Headers[rabbitmq.HeaderRetryCount])
	assert.Equal(t, event.KeyPaymentCompleted, retry.msg.Headers[rabbitmq.HeaderOriginalRoutingKey])

	ok, err := h.store.TryAcquire(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.True(t, ok, "failed event must be released for the retry")
}

// bounce feeds the retry publication back as a delivery to the main queue,
// the way the retry queue's TTL dead-lettering does.
func (h *harness) bounce(t *testing.T) amqp.Delivery {
	t.Helper()
	retry := h.publisher.last(t)
	require.Equal(t, "order-svc_retry_queue", retry.key)

	return h.delivery("order-svc_queue", retry.msg.Body, retry.msg.Headers)
}

func TestProcessSucceedsAfterRetries(t *testing.T) {
	h := newHarness(3)
	h.handler = func(event.Envelope) error {
		if h.calls < 3 {
			return errors.New("transient")
		}

		return nil
	}

	outcome := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))
	for outcome == OutcomeRetried {
		outcome = h.pipeline.Process(context.Background(), h.bounce(t))
	}

	assert.Equal(t, OutcomeAcked, outcome)
	assert.Equal(t, 3, h.calls)
}

func TestProcessDeadLettersAfterMaxRetries(t *testing.T) {
	h := newHarness(3)
	h.handler = func(event.Envelope) error { return errors.New("always broken") }

	outcome := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))
	for outcome == OutcomeRetried {
		outcome = h.pipeline.Process(context.Background(), h.bounce(t))
	}

	assert.Equal(t, OutcomeDeadLettered, outcome)
	assert.Equal(t, 4, h.calls, "first attempt plus three retries")

	dl := h.publisher.last(t)
	assert.Equal(t, "order-svc_dlq", dl.key)
	assert.Equal(t, "always broken", dl.msg.Headers[rabbitmq.HeaderFinalFailureReason])
	assert.Equal(t, event.KeyPaymentCompleted, dl.msg.Headers[rabbitmq.HeaderOriginalRoutingKey])
}

func TestProcessHonoursBrokerDeathCount(t *testing.T) {
	h := newHarness(3)
	h.handler = func(event.Envelope) error { return errors.New("broken") }

	headers := amqp.Table{"x-death": []interface{}{amqp.Table{
		"queue":        "order-svc_queue",
		"reason":       "rejected",
		"count":        int64(3),
		"routing-keys": []interface{}{event.KeyPaymentCompleted},
	}}}
	d := h.delivery("order-svc_queue", envelope(t, "evt-1"), headers)

	assert.Equal(t, OutcomeDeadLettered, h.pipeline.Process(context.Background(), d))
}

func TestProcessDeadLettersUnknownSignal(t *testing.T) {
	h := newHarness(3)
	h.handler = func(env event.Envelope) error {
		return errors.Join(event.ErrUnknownSignal, errors.New(env.RoutingKey))
	}

	d := h.delivery(event.KeyInventoryReserved, envelope(t, "evt-1"), nil)

	assert.Equal(t, OutcomeUnknownSignal, h.pipeline.Process(context.Background(), d))
	assert.Equal(t, "order-svc_dlq", h.publisher.last(t).key)
	assert.True(t, h.ack.record(d.DeliveryTag).acked)
}

func TestProcessAcksUnsubscribedRoutingKey(t *testing.T) {
	h := newHarness(3)

	d := h.delivery(event.KeyOrderCreated, envelope(t, "evt-1"), nil)

	assert.Equal(t, OutcomeNotSubscribed, h.pipeline.Process(context.Background(), d))
	assert.True(t, h.ack.record(d.DeliveryTag).acked)
	assert.Zero(t, h.calls)
}

func TestProcessRejectsWhenRetryPublishFails(t *testing.T) {
	h := newHarness(3)
	h.handler = func(event.Envelope) error { return errors.New("broken") }
	h.publisher.err = errors.New("channel closed")

	d := h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil)

	assert.Equal(t, OutcomeRejected, h.pipeline.Process(context.Background(), d))
	rec := h.ack.record(d.DeliveryTag)
	assert.True(t, rec.nacked)
	assert.False(t, rec.requeue, "broker dead-lettering routes the message to the retry queue")
}

type recordingTransactor struct {
	calls int
}

type txMarker struct{}

func (r *recordingTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls++

	return fn(context.WithValue(ctx, txMarker{}, true))
}

func TestProcessRunsDedupAndHandlerInTransaction(t *testing.T) {
	tx := &recordingTransactor{}
	h := newHarness(3, WithTransactor(tx))

	var inTx bool
	h.pipeline.handler = HandlerFunc(func(ctx context.Context, _ event.Envelope) error {
		inTx, _ = ctx.Value(txMarker{}).(bool)

		return nil
	})

	h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))

	assert.Equal(t, 1, tx.calls)
	assert.True(t, inTx)
}

func TestProcessConcurrentDuplicatesRunOnce(t *testing.T) {
	h := newHarness(3)

	var (
		mu    sync.Mutex
		count int
	)
	h.pipeline.handler = HandlerFunc(func(context.Context, event.Envelope) error {
		mu.Lock()
		count++
		mu.Unlock()

		return nil
	})

	body := envelope(t, "evt-1")
	deliveries := make([]amqp.Delivery, 16)
	for i := range deliveries {
		deliveries[i] = h.delivery(event.KeyPaymentCompleted, body, nil)
	}

	var wg sync.WaitGroup
	for _, d := range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.pipeline.Process(context.Background(), d)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, count)
}

type preparedHandler struct {
	prepare func(ctx context.Context) error
	commit  func(ctx context.Context) error

	prepared  int
	committed int
}

func (p *preparedHandler) Handle(ctx context.Context, env event.Envelope) error {
	commit, err := p.Prepare(ctx, env)
	if err != nil {
		return err
	}

	return commit(ctx)
}

func (p *preparedHandler) Prepare(ctx context.Context, _ event.Envelope) (Commit, error) {
	p.prepared++
	if p.prepare != nil {
		if err := p.prepare(ctx); err != nil {
			return nil, err
		}
	}

	return func(ctx context.Context) error {
		p.committed++
		if p.commit != nil {
			return p.commit(ctx)
		}

		return nil
	}, nil
}

func TestProcessPreparesOutsideTransaction(t *testing.T) {
	tx := &recordingTransactor{}
	h := newHarness(3, WithTransactor(tx))

	var prepareInTx, commitInTx bool
	handler := &preparedHandler{
		prepare: func(ctx context.Context) error {
			prepareInTx, _ = ctx.Value(txMarker{}).(bool)

			return nil
		},
		commit: func(ctx context.Context) error {
			commitInTx, _ = ctx.Value(txMarker{}).(bool)

			return nil
		},
	}
	h.pipeline.handler = handler

	outcome := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))

	assert.Equal(t, OutcomeAcked, outcome)
	assert.False(t, prepareInTx)
	assert.True(t, commitInTx)
	assert.Equal(t, 1, handler.committed)
	assert.Equal(t, 1, tx.calls)
	assert.Equal(t, 1, h.store.Len())
}

func TestProcessPreparedSkipsSeenEvent(t *testing.T) {
	tx := &recordingTransactor{}
	h := newHarness(3, WithTransactor(tx))
	handler := &preparedHandler{}
	h.pipeline.handler = handler

	_, err := h.store.TryAcquire(context.Background(), "evt-1")
	require.NoError(t, err)

	outcome := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))

	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Zero(t, handler.prepared)
	assert.Zero(t, tx.calls)
}

type racingTransactor struct {
	store *idempotency.MemoryStore
	id    string
}

func (r racingTransactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, err := r.store.TryAcquire(ctx, r.id); err != nil {
		return err
	}

	return fn(ctx)
}

func TestProcessPreparedDropsCommitWhenRaceLost(t *testing.T) {
	h := newHarness(3)
	h.pipeline.tx = racingTransactor{store: h.store, id: "evt-1"}
	handler := &preparedHandler{}
	h.pipeline.handler = handler

	outcome := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))

	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, handler.prepared)
	assert.Zero(t, handler.committed)
}

func TestProcessPreparedFailuresLeaveEventUnprocessed(t *testing.T) {
	tests := []struct {
		name    string
		handler *preparedHandler
	}{
		{
			name:    "prepare fails",
			handler: &preparedHandler{prepare: func(context.Context) error { return errors.New("gateway down") }},
		},
		{
			name:    "commit fails",
			handler: &preparedHandler{commit: func(context.Context) error { return errors.New("insert failed") }},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(3, WithTransactor(&recordingTransactor{}))
			h.pipeline.handler = tt.handler

			outcome := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))

			assert.Equal(t, OutcomeRetried, outcome)
			assert.Zero(t, h.store.Len())
		})
	}
}

func TestProcessLogsCarryTraceIDs(t *testing.T) {
	prevProvider := otel.GetTracerProvider()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	prevLogger := slog.Default()
	var buf bytes.Buffer
	slog.SetDefault(slog.New(&logger.Handler{Handler: slog.NewJSONHandler(&buf, nil)}))
	t.Cleanup(func() {
		slog.SetDefault(prevLogger)
		otel.SetTracerProvider(prevProvider)
		_ = tp.Shutdown(context.Background())
	})

	h := newHarness(3)
	h.handler = func(event.Envelope) error { return errors.New("gateway down") }

	outcome := h.pipeline.Process(context.Background(), h.delivery(event.KeyPaymentCompleted, envelope(t, "evt-1"), nil))
	require.Equal(t, OutcomeRetried, outcome)

	var found bool
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		if rec["msg"] != "Handler failed, scheduling retry" {
			continue
		}
		found = true
		assert.Len(t, rec["trace_id"], 32)
		assert.Len(t, rec["span_id"], 16)
		assert.Equal(t, "evt-1", rec["event_id"])
	}
	assert.True(t, found)
}
