// Package migrations embeds the SQL files applied to Postgres at startup.
package migrations

import "embed"

// FS holds every *.sql file in this directory. Filenames use a zero-padded
// numeric prefix so lexical sort order is execution order.
//
//go:embed *.sql
var FS embed.FS
