package storage

import "embed"

// Migrations holds the schema, applied with db.Migrate(pool, Migrations, "migrations").
//
//go:embed migrations/*.sql
var Migrations embed.FS
