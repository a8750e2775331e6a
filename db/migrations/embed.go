// Package dbmigrations exposes embedded SQL migrations for trading binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into trading binaries.
//
//go:embed *.sql
var Files embed.FS
