// Package migrations embeds the SQL migrations for the journal store.
package migrations

import "embed"

// JournalFS holds the journal schema migrations, applied in lexicographic
// order at startup.
//
//go:embed journal/*.sql
var JournalFS embed.FS
