// Package migrations embeds the graph store schema so the binary can migrate
// Postgres without a migrations directory on disk.
package migrations

import "embed"

// FS holds the numbered up/down SQL files.
//
//go:embed *.sql
var FS embed.FS
