// Package store selects the storage backend named by configuration.
package store

import (
	"context"
	"database/sql"
	"fmt"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/config"
	"tenantguard.org/internal/migrate"
	"tenantguard.org/internal/store/pg"
	"tenantguard.org/internal/store/sqlite"
)

// Backend is an auth.Store that owns its connection pool.
type Backend interface {
	auth.Store
	Ping(ctx context.Context) error
	Close() error
	DB() *sql.DB
}

// Open connects to the configured database and reports its migration dialect.
func Open(cfg config.DatabaseConfig) (Backend, migrate.Dialect, error) {
	dialect, err := migrate.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, "", err
	}
	switch dialect {
	case migrate.Postgres:
		s, err := pg.Open(cfg.DSN)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		db := s.DB()
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
		return s, dialect, nil
	default:
		s, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite: %w", err)
		}
		return s, dialect, nil
	}
}
