package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Publisher confirm errors.
var (
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("confirmation timed out")
	ErrConfirmsClosed  = errors.New("confirmation channel closed")
	ErrPublisherClosed = errors.New("publisher is closed")
)

// DefaultConfirmTimeout bounds the wait for a broker confirm.
const DefaultConfirmTimeout = 5 * time.Second

// Publisher publishes a message and returns once the broker has taken
// responsibility for it.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// ConfirmableChannel is the subset of *amqp.Channel used for confirmed publishing.
type ConfirmableChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a fresh channel.
type ChannelProvider func(ctx context.Context) (ConfirmableChannel, error)

// ClientChannelProvider opens channels on c.
func ClientChannelProvider(c *Client) ChannelProvider {
	return func(ctx context.Context) (ConfirmableChannel, error) {
		ch, err := c.Channel(ctx)
		if err != nil {
			return nil, err
		}

		return ch, nil
	}
}

// ConfirmPublisher owns one channel in confirm mode and serializes
// publishes on it. A failed publish discards the channel; the next call
// opens a new one.
type ConfirmPublisher struct {
	provider ChannelProvider
	timeout  time.Duration

	mu       sync.Mutex
	ch       ConfirmableChannel
	confirms chan amqp.Confirmation
	closed   bool
}

// NewConfirmPublisher creates a publisher that opens channels lazily.
func NewConfirmPublisher(provider ChannelProvider, timeout time.Duration) *ConfirmPublisher {
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}

	return &ConfirmPublisher{
		provider: provider,
		timeout:  timeout,
	}
}

// Publish sends msg and waits for its confirm.
func (p *ConfirmPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	if err := p.ensureChannel(ctx); err != nil {
		return err
	}

	if err := p.ch.Publish(exchange, routingKey, false, false, msg); err != nil {
		p.discard()

		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	if err := p.waitConfirm(ctx); err != nil {
		p.discard()

		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}

	return nil
}

func (p *ConfirmPublisher) ensureChannel(ctx context.Context) error {
	if p.ch != nil {
		return nil
	}

	ch, err := p.provider(ctx)
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return fmt.Errorf("enable confirm mode: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return nil
}

func (p *ConfirmPublisher) waitConfirm(ctx context.Context) error {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case confirm, ok := <-p.confirms:
		if !ok {
			return ErrConfirmsClosed
		}
		if !confirm.Ack {
			return ErrPublishNacked
		}

		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// discard drops the channel. Late confirms for it can no longer be matched
// to a publish.
func (p *ConfirmPublisher) discard() {
	if p.ch == nil {
		return
	}

	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		slog.Warn("Failed to close publish channel", "error", err)
	}
	p.ch = nil
	p.confirms = nil
}

// Close closes the publish channel.
func (p *ConfirmPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.discard()

	return nil
}
