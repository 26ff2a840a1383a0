package main

import (
	"github.com/corray333/backend-labs/saga/internal/app"
	"github.com/corray333/backend-labs/saga/internal/config"
)

func main() {
	config.MustInit("inventory-svc")
	app.MustNewInventoryApp(config.Load()).Run()
}
