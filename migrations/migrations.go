// Package migrations embeds the ordered SQL schema files applied by cmd/migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
