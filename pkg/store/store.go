// Package store provides the durable Storage effect backends: SQLite for a
// single node, Postgres for shared deployments, Redis as an ephemeral cache
// tier, and an S3 archive for compaction checkpoints. All SQL backends
// share one statement layer over database/sql.
package store

import (
	"fmt"

	"github.com/aura-dev/aura/pkg/config"
	"github.com/aura-dev/aura/pkg/effects"
)

// Open builds the Storage backend named by cfg. The caller owns Close on
// the returned closer, which is nil for the memory backend.
func Open(cfg config.StorageConfig) (effects.Storage, func() error, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStorage(), nil, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "redis":
		s := OpenRedis(cfg.RedisAddr)
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}
