// Package migrations embeds the bridge's SQL schema into the binary so the
// database can be brought up to date without the .sql files on disk.
package migrations

import "embed"

// FS holds every migration file at its root, ready for database.Migrate.
//
//go:embed *.sql
var FS embed.FS
