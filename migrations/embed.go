// Package migrations embeds the schema files applied by `capacity-server migrate`.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
