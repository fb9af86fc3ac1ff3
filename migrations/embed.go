// Package migrations embeds the SQL migration files so that the compiled
// binary carries its own schema management without requiring files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Version is the schema version this binary expects. Bump it with every new
// migration pair.
const Version = 1
