package app

import (
	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	orderrepo "github.com/corray333/backend-labs/saga/internal/dal/repositories/order/postgres"
	outboxrepo "github.com/corray333/backend-labs/saga/internal/dal/repositories/outbox/postgres"
	sagarepo "github.com/corray333/backend-labs/saga/internal/dal/repositories/saga/postgres"
	"github.com/corray333/backend-labs/saga/internal/idempotency"
	"github.com/corray333/backend-labs/saga/internal/otel"
	"github.com/corray333/backend-labs/saga/internal/outbox"
	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/corray333/backend-labs/saga/internal/service/services/ordersvc"
	"github.com/corray333/backend-labs/saga/internal/service/services/sagasvc"
	"github.com/corray333/backend-labs/saga/internal/transport/consumer"
	httptransport "github.com/corray333/backend-labs/saga/internal/transport/http"
	outboxworker "github.com/corray333/backend-labs/saga/internal/worker/outbox"
	timeoutworker "github.com/corray333/backend-labs/saga/internal/worker/timeout"
)

// MustNewOrderApp wires the order service: HTTP API, saga consumer, outbox
// relay and timeout monitor.
func MustNewOrderApp(cfg config.Config) *App {
	otelController := otel.MustInitOtel(cfg.Service, cfg.Jaeger.Endpoint)
	postgresClient := postgres.MustNewClient(cfg.Postgres)
	rabbitClient := mustNewBroker(cfg)

	outboxRepo := outboxrepo.NewOutboxRepository(postgresClient)
	sagaRepo := sagarepo.NewSagaRepository(postgresClient)
	orderRepo := orderrepo.NewOrderRepository(postgresClient)

	sagaSvc := sagasvc.MustNewSagaService(
		sagasvc.WithTransactor(postgresClient),
		sagasvc.WithSagaRepository(sagaRepo),
		sagasvc.WithOrderRepository(orderRepo),
		sagasvc.WithOutboxWriter(outbox.NewWriter(outboxRepo)),
		sagasvc.WithTimeout(cfg.Saga.Timeout),
	)
	orderSvc := ordersvc.MustNewOrderService(
		ordersvc.WithTransactor(postgresClient),
		ordersvc.WithOrderRepository(orderRepo),
		ordersvc.WithSagaService(sagaSvc),
	)

	consumerPublisher := rabbitmq.NewConfirmPublisher(rabbitmq.ClientChannelProvider(rabbitClient), cfg.RabbitMQ.ConfirmTimeout)
	pipeline := consumer.NewPipeline(
		newTopology(cfg, sagasvc.SubscribedKeys()),
		cfg.RabbitMQ.MaxRetries,
		sagaSvc,
		idempotency.NewPostgresStore(postgresClient, cfg.Service),
		consumerPublisher,
		consumer.WithTransactor(postgresClient),
	)

	relayPublisher, breaker := newRelayPublisher(cfg, rabbitClient)

	transport := httptransport.NewHTTPTransport(cfg.HTTP, cfg.Service,
		postgresCheck(postgresClient),
		brokerCheck(rabbitClient),
	)
	transport.RegisterOrderRoutes(orderSvc)

	return &App{
		service:   cfg.Service,
		transport: transport,
		consumer:  consumer.NewConsumer(rabbitClient, pipeline, cfg.RabbitMQ.PrefetchCount),
		workers: []worker{
			outboxworker.NewWorker(postgresClient, outboxRepo, breaker,
				cfg.RabbitMQ.Exchange, cfg.Service, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize),
			timeoutworker.NewWorker(sagaRepo, sagaSvc, cfg.Service, cfg.Saga.CheckInterval, cfg.Saga.ScanLimit),
		},
		relayPublisher:    relayPublisher,
		consumerPublisher: consumerPublisher,
		rabbitClient:      rabbitClient,
		postgresClient:    postgresClient,
		otel:              otelController,
	}
}
