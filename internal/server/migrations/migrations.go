// Package migrations embeds the goose migration files for the relational
// mirror schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
