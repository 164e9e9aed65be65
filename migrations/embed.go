// Package migrations embeds the bridge schema so the binary carries it.
package migrations

import "embed"

// FS holds the forward migrations, passed to database.DB.Migrate.
//
//go:embed *.up.sql
var FS embed.FS
