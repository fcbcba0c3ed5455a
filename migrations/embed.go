package migrations

import "embed"

// EmbedMigrations holds the goose SQL migrations applied by `worker migrate`.
//
//go:embed *.sql
var EmbedMigrations embed.FS
