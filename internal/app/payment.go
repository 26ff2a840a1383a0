package app

import (
	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/service/services/paymentsvc"
	"github.com/corray333/backend-labs/saga/internal/transport/consumer"
)

// MustNewPaymentApp wires the payment stand-in.
func MustNewPaymentApp(cfg config.Config) *App {
	return mustNewParticipantApp(cfg, paymentsvc.SubscribedKeys(), func(p participantDeps) consumer.Handler {
		return paymentsvc.MustNewPaymentService(
			paymentsvc.WithTransactor(p.tx),
			paymentsvc.WithOutboxWriter(p.writer),
			paymentsvc.WithGateway(cfg.Payment),
		)
	})
}
