// Package sqlite implements the subscription and seen stores on an embedded
// SQLite database, for single-host deployments without PostgreSQL.
package sqlite

import (
	_ "embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Open opens the database at path (":memory:" is accepted) and applies the schema.
func Open(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection keeps writers serialized and in-memory databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return db, nil
}
