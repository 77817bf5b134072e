// Package migrations embeds the goose SQL migrations of the structured-storage file.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
