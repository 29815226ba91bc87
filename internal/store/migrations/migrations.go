// Package migrations embeds the sqlite schema history.
package migrations

import "embed"

//go:embed *.sql
var MigrationsFS embed.FS
