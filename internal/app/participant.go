package app

import (
	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/dal/postgres"
	outboxrepo "github.com/corray333/backend-labs/saga/internal/dal/repositories/outbox/postgres"
	"github.com/corray333/backend-labs/saga/internal/idempotency"
	"github.com/corray333/backend-labs/saga/internal/otel"
	"github.com/corray333/backend-labs/saga/internal/outbox"
	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/corray333/backend-labs/saga/internal/transport/consumer"
	httptransport "github.com/corray333/backend-labs/saga/internal/transport/http"
	outboxworker "github.com/corray333/backend-labs/saga/internal/worker/outbox"
)

type participantDeps struct {
	tx     *postgres.Client
	writer *outbox.Writer
}

// mustNewParticipantApp wires a service that consumes events, changes its own
// store and emits through its own outbox.
func mustNewParticipantApp(cfg config.Config, bindings []string, newHandler func(participantDeps) consumer.Handler) *App {
	otelController := otel.MustInitOtel(cfg.Service, cfg.Jaeger.Endpoint)
	postgresClient := postgres.MustNewClient(cfg.Postgres)
	rabbitClient := mustNewBroker(cfg)

	outboxRepo := outboxrepo.NewOutboxRepository(postgresClient)
	handler := newHandler(participantDeps{
		tx:     postgresClient,
		writer: outbox.NewWriter(outboxRepo),
	})

	consumerPublisher := rabbitmq.NewConfirmPublisher(rabbitmq.ClientChannelProvider(rabbitClient), cfg.RabbitMQ.ConfirmTimeout)
	pipeline := consumer.NewPipeline(
		newTopology(cfg, bindings),
		cfg.RabbitMQ.MaxRetries,
		handler,
		idempotency.NewPostgresStore(postgresClient, cfg.Service),
		consumerPublisher,
		consumer.WithTransactor(postgresClient),
	)

	relayPublisher, breaker := newRelayPublisher(cfg, rabbitClient)

	return &App{
		service: cfg.Service,
		transport: httptransport.NewHTTPTransport(cfg.HTTP, cfg.Service,
			postgresCheck(postgresClient),
			brokerCheck(rabbitClient),
		),
		consumer: consumer.NewConsumer(rabbitClient, pipeline, cfg.RabbitMQ.PrefetchCount),
		workers: []worker{
			outboxworker.NewWorker(postgresClient, outboxRepo, breaker,
				cfg.RabbitMQ.Exchange, cfg.Service, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize),
		},
		relayPublisher:    relayPublisher,
		consumerPublisher: consumerPublisher,
		rabbitClient:      rabbitClient,
		postgresClient:    postgresClient,
		otel:              otelController,
	}
}
