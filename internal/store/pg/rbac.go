package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgErrForeignKeyViolation = "23503"

// rbacGraph answers membership and permission questions from the role tables.
type rbacGraph struct{ q querier }

func (g *rbacGraph) IsActiveMember(ctx context.Context, userID, tenantID string) (bool, error) {
	if g.q == nil {
		return false, errUnavailable
	}
	var active bool
	err := g.q.QueryRowContext(ctx, `
		select is_active
		from user_companies
		where user_id = $1 and company_id = $2
	`, userID, tenantID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active, nil
}

// PermissionsFor follows user_roles to roles owned by the tenant. Global
// template roles (company_id null) never match.
func (g *rbacGraph) PermissionsFor(ctx context.Context, userID, tenantID string) ([]string, error) {
	if g.q == nil {
		return nil, errUnavailable
	}
	rows, err := g.q.QueryContext(ctx, `
		select distinct p.name
		from user_roles ur
		join roles r on r.id = ur.role_id
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1 and r.company_id = $2
		order by p.name
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
