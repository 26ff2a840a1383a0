package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/metrics"
	"github.com/streadway/amqp"
)

// ErrClientClosed is returned once Close has been called.
var ErrClientClosed = errors.New("rabbitmq client is closed")

// State is the connection lifecycle of the client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Client owns a single broker connection and redials it when it drops.
// Channels are handed out per caller and must be reopened after a reconnect.
type Client struct {
	url     string
	service string
	initial time.Duration
	max     time.Duration
	dial    func(url string) (*amqp.Connection, error)

	mu    sync.RWMutex
	conn  *amqp.Connection
	state State
	ready chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// MustNewClient dials the broker, retrying with backoff for up to the
// reconnect ceiling, and starts the reconnect supervisor.
func MustNewClient(cfg config.RabbitMQ, service string) *Client {
	c := newClient(cfg, service)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout(cfg))
	defer cancel()

	if err := c.connect(ctx); err != nil {
		panic(fmt.Sprintf("Failed to connect to RabbitMQ: %v", err))
	}

	slog.Info("RabbitMQ connected", "service", service)

	go c.supervise()

	return c
}

func newClient(cfg config.RabbitMQ, service string) *Client {
	initial := cfg.ReconnectInitial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	maxInterval := cfg.ReconnectMax
	if maxInterval < initial {
		maxInterval = initial
	}

	return &Client{
		url:     cfg.URL,
		service: service,
		initial: initial,
		max:     maxInterval,
		dial:    amqp.Dial,
		state:   StateDisconnected,
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func startupTimeout(cfg config.RabbitMQ) time.Duration {
	if cfg.ReconnectMax > 0 {
		return 2 * cfg.ReconnectMax
	}

	return time.Minute
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// Channel waits until the client is connected and opens a new channel.
func (c *Client) Channel(ctx context.Context) (*amqp.Channel, error) {
	for {
		c.mu.RLock()
		state, conn, ready := c.state, c.conn, c.ready
		c.mu.RUnlock()

		switch state {
		case StateDraining:
			return nil, ErrClientClosed
		case StateConnected:
			ch, err := conn.Channel()
			if err == nil {
				return ch, nil
			}
			if !errors.Is(err, amqp.ErrClosed) {
				return nil, fmt.Errorf("failed to open channel: %w", err)
			}
			// The supervisor has not noticed the drop yet.
			if err := sleepCtx(ctx, c.initial); err != nil {
				return nil, err
			}
		default:
			select {
			case <-ready:
			case <-c.closed:
				return nil, ErrClientClosed
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// Close drains the client and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDraining
		conn := c.conn
		c.mu.Unlock()

		close(c.closed)
		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
	})

	return err
}

// Done is closed when the supervisor exits.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initial
	b.MaxInterval = c.max
	b.MaxElapsedTime = 0

	return backoff.WithContext(b, ctx)
}

func (c *Client) connect(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := backoff.RetryWithData(func() (*amqp.Connection, error) {
		select {
		case <-c.closed:
			return nil, backoff.Permanent(ErrClientClosed)
		default:
		}

		conn, err := c.dial(c.url)
		if err != nil {
			slog.Warn("RabbitMQ dial failed", "error", err)
			metrics.Get().BrokerReconnects.WithLabelValues(c.service, "failure").Inc()

			return nil, err
		}

		return conn, nil
	}, c.newBackoff(ctx))
	if err != nil {
		c.setState(StateDisconnected)

		return err
	}

	c.mu.Lock()
	if c.state == StateDraining {
		c.mu.Unlock()
		_ = conn.Close()

		return ErrClientClosed
	}
	c.conn = conn
	c.state = StateConnected
	close(c.ready)
	c.mu.Unlock()

	metrics.Get().BrokerReconnects.WithLabelValues(c.service, "success").Inc()

	return nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDraining {
		return
	}
	if s != StateConnected && c.state == StateConnected {
		c.ready = make(chan struct{})
	}
	c.state = s
}

// supervise waits for the connection to drop and redials until Close.
func (c *Client) supervise() {
	defer close(c.done)

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		notify := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-c.closed:
			return
		case amqpErr, ok := <-notify:
			select {
			case <-c.closed:
				return
			default:
			}

			if ok && amqpErr != nil {
				slog.Error("RabbitMQ connection lost", "error", amqpErr)
			} else {
				slog.Warn("RabbitMQ connection closed")
			}
			c.setState(StateDisconnected)
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.closed:
				cancel()
			case <-ctx.Done():
			}
		}()

		err := c.connect(ctx)
		cancel()
		if err != nil {
			slog.Info("RabbitMQ supervisor stopped", "error", err)

			return
		}

		slog.Info("RabbitMQ reconnected", "service", c.service)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
