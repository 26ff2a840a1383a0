package app

import (
	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/otel"
	"github.com/corray333/backend-labs/saga/internal/rabbitmq"
	"github.com/corray333/backend-labs/saga/internal/service/services/notificationsvc"
	"github.com/corray333/backend-labs/saga/internal/transport/consumer"
	httptransport "github.com/corray333/backend-labs/saga/internal/transport/http"
)

// MustNewNotificationApp wires the notification service. It owns no database:
// dedup lives in Redis or in a bounded in-memory cache.
func MustNewNotificationApp(cfg config.Config) *App {
	otelController := otel.MustInitOtel(cfg.Service, cfg.Jaeger.Endpoint)
	rabbitClient := mustNewBroker(cfg)
	store, redisClient := newStatelessStore(cfg)

	notificationSvc := notificationsvc.MustNewNotificationService(
		notificationsvc.WithProcessing(cfg.Notification.Processing),
	)

	consumerPublisher := rabbitmq.NewConfirmPublisher(rabbitmq.ClientChannelProvider(rabbitClient), cfg.RabbitMQ.ConfirmTimeout)
	pipeline := consumer.NewPipeline(
		newTopology(cfg, notificationsvc.SubscribedKeys()),
		cfg.RabbitMQ.MaxRetries,
		notificationSvc,
		store,
		consumerPublisher,
	)

	checks := []httptransport.HealthCheck{brokerCheck(rabbitClient)}
	if redisClient != nil {
		checks = append(checks, redisCheck(redisClient))
	}

	return &App{
		service:           cfg.Service,
		transport:         httptransport.NewHTTPTransport(cfg.HTTP, cfg.Service, checks...),
		consumer:          consumer.NewConsumer(rabbitClient, pipeline, cfg.RabbitMQ.PrefetchCount),
		consumerPublisher: consumerPublisher,
		rabbitClient:      rabbitClient,
		redisClient:       redisClient,
		otel:              otelController,
	}
}
