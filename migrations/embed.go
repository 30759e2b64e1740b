// Package migrations embeds the SQL schema so binaries do not depend on the
// working directory.
package migrations

import "embed"

// FS holds {version}_{name}.up.sql / .down.sql files.
//
//go:embed *.sql
var FS embed.FS
