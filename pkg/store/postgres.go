package store

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// OpenPostgres connects to the Postgres at dsn and migrates the key-value
// schema. Used for shared deployments where several accounts live behind
// one database.
func OpenPostgres(dsn string) (*SQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	s, err := newSQLStorage(db, postgresDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
