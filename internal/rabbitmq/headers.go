package rabbitmq

import (
	"context"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
)

// Headers written by the consumer pipeline.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderFinalFailureReason = "x-final-failure-reason"
	HeaderFinalFailureAt     = "x-final-failure-at"
	HeaderSourceQueue        = "x-source-queue"
	HeaderServiceName        = "x-service-name"
	HeaderEventType          = "x-event-type"
	HeaderSagaID             = "x-saga-id"
	HeaderCorrelationID      = "x-correlation-id"

	headerDeath = "x-death"
)

// Attempts returns how many times a delivery already failed in queue. The
// explicit retry header wins unless the broker's x-death count is higher.
func Attempts(headers amqp.Table, queue string) int {
	attempts := 0
	if n, ok := toInt(headers[HeaderRetryCount]); ok {
		attempts = n
	}

	if n := deathCount(headers, queue); n > attempts {
		attempts = n
	}

	return attempts
}

func deathCount(headers amqp.Table, queue string) int {
	deaths, ok := headers[headerDeath].([]interface{})
	if !ok {
		return 0
	}

	for _, d := range deaths {
		entry, ok := d.(amqp.Table)
		if !ok {
			continue
		}
		if entry["queue"] != queue || entry["reason"] != "rejected" {
			continue
		}
		if n, ok := toInt(entry["count"]); ok {
			return n
		}
	}

	return 0
}

// OriginalRoutingKey resolves the key the publisher used, even after the
// message bounced through the retry queue.
func OriginalRoutingKey(d amqp.Delivery) string {
	if key, ok := d.Headers[HeaderOriginalRoutingKey].(string); ok && key != "" {
		return key
	}

	if deaths, ok := d.Headers[headerDeath].([]interface{}); ok {
		// The oldest entry is last.
		for i := len(deaths) - 1; i >= 0; i-- {
			entry, ok := deaths[i].(amqp.Table)
			if !ok {
				continue
			}
			keys, ok := entry["routing-keys"].([]interface{})
			if !ok || len(keys) == 0 {
				continue
			}
			if key, ok := keys[0].(string); ok && key != "" {
				return key
			}
		}
	}

	return d.RoutingKey
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err == nil {
			return i, true
		}
	}

	return 0, false
}

// CopyHeaders returns a shallow copy safe to mutate.
func CopyHeaders(h amqp.Table) amqp.Table {
	out := make(amqp.Table, len(h)+4)
	for k, v := range h {
		out[k] = v
	}

	return out
}

// RetryPublishing builds the message that goes to the retry queue.
func RetryPublishing(d amqp.Delivery, attempts int, routingKey string) amqp.Publishing {
	headers := CopyHeaders(d.Headers)
	headers[HeaderRetryCount] = int32(attempts)
	headers[HeaderOriginalRoutingKey] = routingKey

	return republish(d, headers)
}

// DeadLetterPublishing builds the message parked in the dead-letter queue.
func DeadLetterPublishing(d amqp.Delivery, reason, sourceQueue, service string, at time.Time) amqp.Publishing {
	headers := CopyHeaders(d.Headers)
	headers[HeaderFinalFailureReason] = reason
	headers[HeaderFinalFailureAt] = at.UTC().Format(time.RFC3339Nano)
	headers[HeaderSourceQueue] = sourceQueue
	headers[HeaderServiceName] = service
	if _, ok := headers[HeaderOriginalRoutingKey]; !ok {
		headers[HeaderOriginalRoutingKey] = OriginalRoutingKey(d)
	}

	return republish(d, headers)
}

func republish(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		AppId:         d.AppId,
		Body:          d.Body,
	}
}

// HeaderCarrier adapts amqp.Table for OpenTelemetry propagation.
type HeaderCarrier amqp.Table

func (c HeaderCarrier) Get(key string) string {
	v, _ := c[key].(string)

	return v
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}

// InjectTrace writes the span context of ctx into headers.
func InjectTrace(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))
}

// ExtractTrace continues the trace carried by headers.
func ExtractTrace(ctx context.Context, headers amqp.Table) context.Context {
	if headers == nil {
		return ctx
	}

	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
}
