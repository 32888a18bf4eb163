// Package pgschema embeds the sync server's PostgreSQL DDL so cmd/syncd can
// apply it at startup without a separate migration tool. The server owns
// one linear schema with no rollback story, so idempotent DDL is enough.
package pgschema

import _ "embed"

//go:embed schema.sql
var SQL string
