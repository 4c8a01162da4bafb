package migrate

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var embedded embed.FS

// embeddedDir is the goose dir inside Migrations().
const embeddedDir = "migrations"

// Migrations returns the SQL migrations compiled into the binary.
func Migrations() fs.FS {
	return embedded
}
