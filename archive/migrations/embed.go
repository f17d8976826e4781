package migrations

import "embed"

// FS contains the embedded archive migrations.
//
//go:embed *.sql
var FS embed.FS
