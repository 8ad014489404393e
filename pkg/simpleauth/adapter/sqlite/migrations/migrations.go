// Package migrations embeds the SQLite schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
