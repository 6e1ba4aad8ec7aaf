package pg

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
	return scanUser(d.q.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where id = $1
	`, id))
}

func (d *userDirectory) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	if d.q == nil {
		return nil, errUnavailable
	}
	return scanUser(d.q.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where email = lower($1)
	`, email))
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var u auth.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Active, &u.Verified, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *userDirectory) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	if d.q == nil {
		return errUnavailable
	}
	res, err := d.q.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1
	`, userID, passwordHash)
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
		update users set is_verified = true, updated_at = now()
		where id = $1
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
	return scanTenant(d.q.QueryRowContext(ctx, `
		select id, name, is_active, created_at
		from companies
		where id = $1
	`, id))
}

func (d *tenantDirectory) FindByName(ctx context.Context, name string) (*auth.Tenant, error) {
	if d.q == nil {
		return nil, errUnavailable
	}
	return scanTenant(d.q.QueryRowContext(ctx, `
		select id, name, is_active, created_at
		from companies
		where name = lower($1)
	`, name))
}

func scanTenant(row *sql.Row) (*auth.Tenant, error) {
	var t auth.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Active, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
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
