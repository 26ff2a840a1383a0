package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	"github.com/corray333/backend-labs/saga/internal/idempotency"
	"github.com/corray333/backend-labs/saga/internal/otel"
	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/corray333/backend-labs/saga/internal/transport/consumer"
	httptransport "github.com/corray333/backend-labs/saga/internal/transport/http"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type worker interface {
	Start(ctx context.Context)
	Stop()
}

// App is one saga participant process.
type App struct {
	service   string
	transport *httptransport.HTTPTransport
	consumer  *consumer.Consumer
	workers   []worker

	relayPublisher    *rabbitmq.ConfirmPublisher
	consumerPublisher *rabbitmq.ConfirmPublisher
	rabbitClient      *rabbitmq.Client
	postgresClient    *postgres.Client
	redisClient       redis.UniversalClient
	otel              *otel.OtelController
}

// Run starts the application.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := a.transport.Run(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	var wg sync.WaitGroup
	for _, w := range a.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	if a.consumer != nil {
		go func() {
			if err := a.consumer.Run(ctx); err != nil {
				slog.Error("Consumer stopped", "error", err)
			}
		}()
	}

	slog.Info("Service started", "service", a.service)

	<-stop
	slog.Info("Shutdown signal received")
	a.shutdown(cancel, &wg)
}

func (a *App) shutdown(cancel context.CancelFunc, wg *sync.WaitGroup) {
	ctx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()

	if err := a.transport.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped gracefully")
	}

	if a.consumer != nil {
		if err := a.consumer.Shutdown(ctx); err != nil {
			slog.Error("Consumer shutdown error", "error", err)
		} else {
			slog.Info("Consumer stopped gracefully")
		}
	}

	for _, w := range a.workers {
		w.Stop()
	}
	cancel()
	wg.Wait()

	for _, p := range []*rabbitmq.ConfirmPublisher{a.relayPublisher, a.consumerPublisher} {
		if p == nil {
			continue
		}
		if err := p.Close(); err != nil {
			slog.Error("Publisher close error", "error", err)
		}
	}

	if err := a.rabbitClient.Close(); err != nil {
		slog.Error("RabbitMQ connection close error", "error", err)
	} else {
		slog.Info("RabbitMQ connection closed gracefully")
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			slog.Error("Redis connection close error", "error", err)
		}
	}

	if a.postgresClient != nil {
		a.postgresClient.Close()
		slog.Info("Database connection closed gracefully")
	}

	if err := a.otel.Shutdown(ctx); err != nil {
		slog.Error("Tracer shutdown error", "error", err)
	}

	slog.Info("Application shutdown complete")
}

// mustNewBroker connects to RabbitMQ and declares the shared exchange so the
// relay can publish before any consumer has declared its queues.
func mustNewBroker(cfg config.Config) *rabbitmq.Client {
	client := rabbitmq.MustNewClient(cfg.RabbitMQ, cfg.Service)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	ch, err := client.Channel(ctx)
	if err != nil {
		panic(fmt.Sprintf("Failed to open RabbitMQ channel: %v", err))
	}
	defer ch.Close()

	if err := rabbitmq.DeclareExchange(ch, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.ExchangeKind); err != nil {
		panic(fmt.Sprintf("Failed to declare exchange: %v", err))
	}

	return client
}

// newRelayPublisher returns the confirm publisher and the breaker in front of it.
func newRelayPublisher(cfg config.Config, client *rabbitmq.Client) (*rabbitmq.ConfirmPublisher, *rabbitmq.BreakerPublisher) {
	confirm := rabbitmq.NewConfirmPublisher(rabbitmq.ClientChannelProvider(client), cfg.RabbitMQ.ConfirmTimeout)
	breaker := rabbitmq.NewBreakerPublisher(confirm, rabbitmq.BreakerConfig{
		Name:        "outbox-relay",
		Service:     cfg.Service,
		MaxFailures: cfg.RabbitMQ.BreakerMaxFailures,
		OpenTimeout: cfg.RabbitMQ.BreakerOpenTimeout,
	})

	return confirm, breaker
}

func newTopology(cfg config.Config, bindings []string) rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchange:     cfg.RabbitMQ.Exchange,
		ExchangeKind: cfg.RabbitMQ.ExchangeKind,
		Service:      cfg.Service,
		Bindings:     bindings,
		RetryDelay:   cfg.RabbitMQ.RetryDelay,
	}
}

// newStatelessStore picks Redis when an address is configured and the
// bounded in-memory cache otherwise.
func newStatelessStore(cfg config.Config) (idempotency.Store, redis.UniversalClient) {
	if cfg.Idempotency.RedisAddr == "" {
		return idempotency.NewMemoryStore(cfg.Idempotency.CacheSize), nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{cfg.Idempotency.RedisAddr},
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		panic(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}

	return idempotency.NewRedisStore(client, cfg.Service, cfg.Idempotency.RedisTTL), client
}

func brokerCheck(client *rabbitmq.Client) httptransport.HealthCheck {
	return httptransport.HealthCheck{
		Name: "rabbitmq",
		Check: func(context.Context) error {
			if s := client.State(); s != rabbitmq.StateConnected {
				return errors.New(s.String())
			}

			return nil
		},
	}
}

func postgresCheck(client *postgres.Client) httptransport.HealthCheck {
	return httptransport.HealthCheck{
		Name: "postgres",
		Check: func(ctx context.Context) error {
			return client.Pool().Ping(ctx)
		},
	}
}

func redisCheck(client redis.UniversalClient) httptransport.HealthCheck {
	return httptransport.HealthCheck{
		Name: "redis",
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}
