package migrations

import "embed"

// FS exposes the embedded SQL migration files.
//
//go:embed *.sql
var FS embed.FS
