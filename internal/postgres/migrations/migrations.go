// Package migrations embeds the PostgreSQL schema.
package migrations

import "embed"

// FS holds the migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must run.
var Files = []string{
	"001_create_tasks.sql",
}
