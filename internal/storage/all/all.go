// Package all links every storage backend into the binary.
package all

import (
	_ "jsonrel/internal/storage/memory"
	_ "jsonrel/internal/storage/mssql"
	_ "jsonrel/internal/storage/mysql"
	_ "jsonrel/internal/storage/postgres"
	_ "jsonrel/internal/storage/sqlite"
)
