package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"tenantguard.org/internal/auth"
)

type userDirectory struct{ q querier }

const userColumns = `id, email, name, password_hash, is_active, is_verified, created_at, updated_at`

func (d *userDirectory) FindByID(ctx context.Context, id string) (*auth.User, error) {
	if d.q == nil {
		return nil, errUnavailable
	}
	return scanUser(d.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

func (d *userDirectory) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if d.q == nil {
		return nil, errUnavailable
	}
	return scanUser(d.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = lower(?)`, email))
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		u                auth.User
		created, updated string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Active, &u.Verified, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *userDirectory) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if d.q == nil {
		return errUnavailable
	}
	res, err := d.q.ExecContext(ctx, `
		UPDATE users
		SET password_hash = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?
	`, passwordHash, userID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (d *userDirectory) MarkVerified(ctx context.Context, userID string) error {
	if d.q == nil {
		return errUnavailable
	}
	res, err := d.q.ExecContext(ctx, `
		UPDATE users
		SET is_verified = 1, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		WHERE id = ?
	`, userID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

type tenantDirectory struct{ q querier }

func (d *tenantDirectory) FindByID(ctx context.Context, id string) (*auth.Tenant, error) {
	if d.q == nil {
		return nil, errUnavailable
	}
	return scanTenant(d.q.QueryRowContext(ctx, `SELECT id, name, is_active, created_at FROM companies WHERE id = ?`, id))
}

func (d *tenantDirectory) FindByName(ctx context.Context, name string) (*auth.Tenant, error) {
	if d.q == nil {
		return nil, errUnavailable
	}
	return scanTenant(d.q.QueryRowContext(ctx, `SELECT id, name, is_active, created_at FROM companies WHERE name = lower(?)`, name))
}

func scanTenant(row *sql.Row) (*auth.Tenant, error) {
	var (
		t       auth.Tenant
		created string
	)
	err := row.Scan(&t.ID, &t.Name, &t.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	return &t, nil
}

type rbacGraph struct{ q querier }

func (g *rbacGraph) IsActiveMember(ctx context.Context, userID, tenantID string) (bool, error) {
	if g.q == nil {
		return false, errUnavailable
	}
	var active bool
	err := g.q.QueryRowContext(ctx, `
		SELECT is_active FROM user_companies WHERE user_id = ? AND company_id = ?
	`, userID, tenantID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

func (g *rbacGraph) PermissionsFor(ctx context.Context, userID, tenantID string) ([]string, error) {
	if g.q == nil {
		return nil, errUnavailable
	}
	rows, err := g.q.QueryContext(ctx, `
		SELECT DISTINCT p.name
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = r.id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = ? AND r.company_id = ?
		ORDER BY p.name
	`, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return auth.ErrNotFound
	}
	return nil
}
