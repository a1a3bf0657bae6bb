package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// dialect abstracts the placeholder and upsert differences between SQLite
// and Postgres so both share one statement layer.
type dialect struct {
	name   string
	upsert string
}

var (
	sqliteDialect = dialect{
		name: "sqlite",
		upsert: `INSERT INTO aura_kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
	}
	postgresDialect = dialect{
		name: "postgres",
		upsert: `INSERT INTO aura_kv (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
	}
)

func (d dialect) placeholder(n int) string {
	if d.name == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

const kvSchema = `
CREATE TABLE IF NOT EXISTS aura_kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);`

// Postgres has no BLOB type.
const kvSchemaPostgres = `
CREATE TABLE IF NOT EXISTS aura_kv (
	key   TEXT PRIMARY KEY,
	value BYTEA NOT NULL
);`

// SQLStorage implements the Storage effect over a database/sql handle.
type SQLStorage struct {
	db *sql.DB
	d  dialect
}

func newSQLStorage(db *sql.DB, d dialect) (*SQLStorage, error) {
	s := &SQLStorage{db: db, d: d}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) migrate() error {
	schema := kvSchema
	if s.d.name == "postgres" {
		schema = kvSchemaPostgres
	}
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLStorage) Persist(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, s.d.upsert, key, value)
	if err != nil {
		return fmt.Errorf("store: persist %s: %w", key, err)
	}
	return nil
}

func (s *SQLStorage) Load(ctx context.Context, key string) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT value FROM aura_kv WHERE key = %s`, s.d.placeholder(1))
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: load %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStorage) List(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf(`SELECT key FROM aura_kv WHERE key LIKE %s ESCAPE '\' ORDER BY key`, s.d.placeholder(1))
	rows, err := s.db.QueryContext(ctx, query, likePattern(prefix))
	if err != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLStorage) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf(`DELETE FROM aura_kv WHERE key = %s`, s.d.placeholder(1))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStorage) Close() error { return s.db.Close() }

// likePattern escapes LIKE metacharacters so a prefix matches literally.
func likePattern(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
