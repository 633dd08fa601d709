// Package migrations embeds all SQL migration files so the binary is self-contained
// and can run from any working directory.
package migrations

import "embed"

// FS contains all *.sql migration files embedded at compile time. Files are
// applied in lexical order and must be valid for both SQLite and PostgreSQL.
//
//go:embed *.sql
var FS embed.FS
