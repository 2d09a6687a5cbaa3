// Package migrations embeds the Postgres schema for kiroku.
// Files are applied in lexical order by storage.RunMigrations.
package migrations

import "embed"

// FS is the embedded migrations filesystem (001_initial.sql, ...).
//
//go:embed *.sql
var FS embed.FS
