// Package migrations embeds the SQL schema migrations for every supported driver.
package migrations

import "embed"

// FS holds the migration files, one directory per driver.
//
//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS
