// Package migrations embeds the SQL schema for the PostgreSQL folder store.
package migrations

import "embed"

// PostgresFS embeds all PostgreSQL migration files.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS
