package migrations

import "embed"

// FS holds the goose migrations applied at service startup.
//
//go:embed *.sql
var FS embed.FS
