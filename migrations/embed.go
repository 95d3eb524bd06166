// Package migrations embeds the goose SQL migrations for the local store's
// system tables.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
