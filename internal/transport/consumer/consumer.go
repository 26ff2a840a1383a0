package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
)

// reopenDelay is the pause before a consumer channel is reopened.
const reopenDelay = time.Second

// Consumer represents the RabbitMQ consumer transport.
type Consumer struct {
	client   *rabbitmq.Client
	pipeline *Pipeline
	topology rabbitmq.Topology
	prefetch int
	tag      string
	stop     chan struct{}
	done     chan struct{}
}

// NewConsumer creates a new Consumer.
func NewConsumer(client *rabbitmq.Client, pipeline *Pipeline, prefetch int) *Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}

	return &Consumer{
		client:   client,
		pipeline: pipeline,
		topology: pipeline.topology,
		prefetch: prefetch,
		tag:      pipeline.service,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run consumes until ctx is cancelled or Shutdown is called. A dropped
// channel is reopened once the client has reconnected.
func (c *Consumer) Run(ctx context.Context) error {
	defer close(c.done)

	for {
		err := c.consume(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		default:
		}

		if errors.Is(err, rabbitmq.ErrClientClosed) {
			return nil
		}
		if err != nil {
			slog.Error("Consumer interrupted", "queue", c.topology.MainQueue(), "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-c.stop:
			return nil
		case <-time.After(reopenDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.client.Channel(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			slog.Warn("Failed to close consumer channel", "error", err)
		}
	}()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	if err := c.topology.Declare(ch); err != nil {
		return err
	}

	msgs, err := ch.Consume(c.topology.MainQueue(), c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.topology.MainQueue(), err)
	}

	slog.Info("Consumer started", "queue", c.topology.MainQueue(), "consumer_tag", c.tag, "prefetch", c.prefetch)

	// In-flight messages finish even when shutdown begins.
	procCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.prefetch)
	defer func() {
		_ = g.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			slog.Info("Stopping consumer", "queue", c.topology.MainQueue())
			if err := ch.Cancel(c.tag, false); err != nil {
				slog.Warn("Failed to cancel consumer", "error", err)
			}

			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}

			g.Go(func() error {
				c.pipeline.Process(procCtx, msg)

				return nil
			})
		}
	}
}

// Shutdown stops consuming and waits for in-flight messages.
func (c *Consumer) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down consumer")
	close(c.stop)

	select {
	case <-c.done:
		slog.Info("Consumer stopped successfully")

		return nil
	case <-ctx.Done():
		slog.Warn("Consumer shutdown timeout")

		return ctx.Err()
	}
}
