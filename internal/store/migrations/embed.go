package migrations

import "embed"

// FS contains the embedded PostgreSQL migrations for the escrow ledger.
//
//go:embed *.sql
var FS embed.FS
