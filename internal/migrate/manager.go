package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/ids"
)

//go:embed postgres/*.sql sqlite/*.sql
var migrationsFS embed.FS

// Dialect names a supported database engine.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// ParseDialect maps a configured driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// Manager applies the embedded schema and seeds the permission catalog.
type Manager struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithLogger sets the logger used to report applied migrations.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, dialect Dialect, opts ...Option) *Manager {
	m := &Manager{db: db, dialect: dialect, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) provider() (*goose.Provider, error) {
	var (
		dir     string
		dialect goose.Dialect
	)
	switch m.dialect {
	case Postgres:
		dir, dialect = "postgres", goose.DialectPostgres
	case SQLite:
		dir, dialect = "sqlite", goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported dialect %q", m.dialect)
	}
	fsys, err := fs.Sub(migrationsFS, dir)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(dialect, m.db, fsys)
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	p, err := m.provider()
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		m.logger.Info("migration applied",
			zap.Int64("version", r.Source.Version),
			zap.String("path", r.Source.Path),
			zap.Duration("took", r.Duration),
		)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	p, err := m.provider()
	if err != nil {
		return err
	}
	r, err := p.Down(ctx)
	if err != nil {
		return fmt.Errorf("roll back migration: %w", err)
	}
	m.logger.Info("migration rolled back", zap.Int64("version", r.Source.Version), zap.String("path", r.Source.Path))
	return nil
}

// Status lists every migration with its state.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	p, err := m.provider()
	if err != nil {
		return nil, err
	}
	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		line := fmt.Sprintf("%-8s %s", s.State, s.Source.Path)
		if !s.AppliedAt.IsZero() {
			line += " (" + s.AppliedAt.UTC().Format("2006-01-02 15:04:05") + ")"
		}
		out = append(out, line)
	}
	return out, nil
}

// templateRoles are global roles (no company) that tenants copy from.
var templateRoles = map[string][]string{
	"System Admin": {auth.PermSystemAdmin},
	"Company Admin": {
		auth.PermUserRead, auth.PermUserCreate, auth.PermUserUpdate, auth.PermUserDelete,
		auth.PermRoleRead, auth.PermRoleCreate, auth.PermRoleUpdate, auth.PermRoleDelete,
		auth.PermCompanyRead, auth.PermPermissionRead, auth.PermPermissionAssign,
	},
	"User": {auth.PermUserRead},
}

// Seed inserts the builtin permission catalog and template roles. It is safe to
// run repeatedly.
func (m *Manager) Seed(ctx context.Context) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	permIDs := make(map[string]string, len(auth.BuiltinPermissions))
	for _, p := range auth.BuiltinPermissions {
		if _, err := tx.ExecContext(ctx, m.rebind(`
			insert into permissions (id, name, description, is_super_admin)
			values (?, ?, ?, ?)
			on conflict (name) do nothing
		`), ids.New(), p.Name, p.Description, p.SuperAdmin); err != nil {
			return fmt.Errorf("seed permission %s: %w", p.Name, err)
		}
		var id string
		if err := tx.QueryRowContext(ctx, m.rebind(`select id from permissions where name = ?`), p.Name).Scan(&id); err != nil {
			return fmt.Errorf("load permission %s: %w", p.Name, err)
		}
		permIDs[p.Name] = id
	}

	for name, perms := range templateRoles {
		var roleID string
		err := tx.QueryRowContext(ctx, m.rebind(`select id from roles where name = ? and company_id is null`), name).Scan(&roleID)
		if err == sql.ErrNoRows {
			roleID = ids.New()
			if _, err := tx.ExecContext(ctx, m.rebind(`insert into roles (id, name) values (?, ?)`), roleID, name); err != nil {
				return fmt.Errorf("seed role %s: %w", name, err)
			}
		} else if err != nil {
			return fmt.Errorf("load role %s: %w", name, err)
		}
		for _, perm := range perms {
			if _, err := tx.ExecContext(ctx, m.rebind(`
				insert into role_permissions (role_id, permission_id)
				values (?, ?)
				on conflict do nothing
			`), roleID, permIDs[perm]); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.logger.Info("seeded permission catalog", zap.Int("permissions", len(permIDs)), zap.Int("roles", len(templateRoles)))
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (m *Manager) rebind(query string) string {
	if m.dialect != Postgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
