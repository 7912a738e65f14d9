// Package migrations holds the kiroku schema as numbered SQL files,
// embedded so the runner can apply them from any working directory,
// including inside test containers.
package migrations

import "embed"

// FS contains every .sql file here. The runner applies them in lexical
// order, so new migrations take the next numeric prefix.
//
//go:embed *.sql
var FS embed.FS
