package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the SQLite database at path and migrates
// the key-value schema. This is the default durable backend for a single
// node.
func OpenSQLite(path string) (*SQLStorage, error) {
	if path == "" {
		path = "aura.db"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %s: %w", path, err)
	}
	// The journal has a single writer per process.
	db.SetMaxOpenConns(1)
	s, err := newSQLStorage(db, sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
