package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValidEnvelope(t *testing.T) {
	body := []byte(`{"eventId":"e1","sagaId":"s1","orderId":"o1","timestamp":"2026-01-02T03:04:05.123Z","payload":{"reason":"timeout"}}`)

	env, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "e1", env.EventID)
	assert.Equal(t, "s1", env.SagaID)
	assert.Equal(t, "o1", env.OrderID)
	assert.Equal(t, 123000000, env.Timestamp.Nanosecond())

	var p OrderCancelledPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, ReasonTimeout, p.Reason)
}

func TestDecodeRejectsInvalidEnvelopes(t *testing.T) {
	tests := []struct {
		name string
		body string
		msg  string
	}{
		{name: "not json", body: `not json`, msg: "invalid JSON payload"},
		{name: "missing event id", body: `{"sagaId":"s","orderId":"o","timestamp":"2026-01-01T00:00:00Z","payload":{}}`, msg: "missing required field: eventId"},
		{name: "missing saga id", body: `{"eventId":"e","orderId":"o","timestamp":"2026-01-01T00:00:00Z","payload":{}}`, msg: "missing required field: sagaId"},
		{name: "missing order id", body: `{"eventId":"e","sagaId":"s","timestamp":"2026-01-01T00:00:00Z","payload":{}}`, msg: "missing required field: orderId"},
		{name: "missing timestamp", body: `{"eventId":"e","sagaId":"s","orderId":"o","payload":{}}`, msg: "missing required field: timestamp"},
		{name: "payload not object", body: `{"eventId":"e","sagaId":"s","orderId":"o","timestamp":"2026-01-01T00:00:00Z","payload":"x"}`, msg: "missing required field: payload"},
		{name: "null payload", body: `{"eventId":"e","sagaId":"s","orderId":"o","timestamp":"2026-01-01T00:00:00Z","payload":null}`, msg: "missing required field: payload"},
		{name: "bad timestamp", body: `{"eventId":"e","sagaId":"s","orderId":"o","timestamp":"yesterday","payload":{}}`, msg: "malformed timestamp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			require.ErrorIs(t, err, ErrInvalidEnvelope)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestRoutingKeyTable(t *testing.T) {
	key, ok := RoutingKey(PaymentRefundRequested)
	assert.True(t, ok)
	assert.Equal(t, "payment.refund.requested", key)

	_, ok = RoutingKey("Bogus")
	assert.False(t, ok)
}
