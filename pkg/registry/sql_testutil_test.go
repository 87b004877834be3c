package registry

import "database/sql"

func sqlNoRows() error { return sql.ErrNoRows }
