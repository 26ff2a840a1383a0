package app

import (
	"github.com/corray333/backend-labs/saga/internal/config"
	"github.com/corray333/backend-labs/saga/internal/service/services/inventorysvc"
	"github.com/corray333/backend-labs/saga/internal/transport/consumer"
)

// MustNewInventoryApp wires the inventory stand-in.
func MustNewInventoryApp(cfg config.Config) *App {
	return mustNewParticipantApp(cfg, inventorysvc.SubscribedKeys(), func(p participantDeps) consumer.Handler {
		return inventorysvc.MustNewInventoryService(
			inventorysvc.WithTransactor(p.tx),
			inventorysvc.WithOutboxWriter(p.writer),
			inventorysvc.WithWarehouse(cfg.Inventory),
		)
	})
}
