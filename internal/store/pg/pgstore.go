package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantguard.org/internal/auth"
)

var errUnavailable = errors.New("database connection unavailable")

// Store implements auth.Store on PostgreSQL through database/sql and pgx.
type Store struct {
	db *sql.DB
}

var _ auth.Store = (*Store)(nil)

// Open connects with pool defaults suited to short request-scoped queries.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	if s.db == nil {
		return nil
	}
	return s.db
}

// WithinTx runs fn inside a transaction carried by the derived context.
// Nested calls join the outer transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	if s.db == nil {
		return errUnavailable
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Users(ctx context.Context) auth.UserDirectory {
	return &userDirectory{q: s.conn(ctx)}
}

func (s *Store) Tenants(ctx context.Context) auth.TenantDirectory {
	return &tenantDirectory{q: s.conn(ctx)}
}

func (s *Store) Memberships(ctx context.Context) auth.MembershipLookup {
	return &rbacGraph{q: s.conn(ctx)}
}

func (s *Store) Permissions(ctx context.Context) auth.PermissionGraph {
	return &rbacGraph{q: s.conn(ctx)}
}

func (s *Store) Revocations(ctx context.Context) auth.RevocationStore {
	return &revocations{q: s.conn(ctx)}
}

// Ping reports database reachability for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errUnavailable
	}
	return s.db.PingContext(ctx)
}
