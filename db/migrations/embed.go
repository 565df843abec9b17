// Package dbmigrations exposes embedded SQL migrations for paywatch binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into paywatch binaries.
//
//go:embed *.sql
var Files embed.FS
