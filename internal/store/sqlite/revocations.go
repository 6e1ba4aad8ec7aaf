package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"tenantguard.org/internal/auth"
)

type revocations struct{ q querier }

func (r *revocations) Insert(ctx context.Context, tok auth.RevokedToken) (bool, error) {
	if r.q == nil {
		return false, errUnavailable
	}
	var tenant sql.NullString
	if tok.TenantID != "" {
		tenant = sql.NullString{String: tok.TenantID, Valid: true}
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO invalidated_tokens (token_hash, user_id, company_id, token_type, issued_at, invalidated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token_hash) DO NOTHING
	`, tok.Fingerprint, tok.UserID, tenant, string(tok.Kind),
		formatTime(tok.IssuedAt), formatTime(tok.InvalidatedAt), formatTime(tok.ExpiresAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("%w: unknown user or company", auth.ErrInvalidInput)
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *revocations) Exists(ctx context.Context, fingerprint string) (bool, error) {
	if r.q == nil {
		return false, errUnavailable
	}
	var found bool
	err := r.q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM invalidated_tokens WHERE token_hash = ?)
	`, fingerprint).Scan(&found)
	if err != nil {
		return false, err
	}
	return found, nil
}

func (r *revocations) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if r.q == nil {
		return 0, errUnavailable
	}
	res, err := r.q.ExecContext(ctx, `
		DELETE FROM invalidated_tokens
		WHERE token_hash IN (
			SELECT token_hash FROM invalidated_tokens WHERE expires_at < ? LIMIT ?
		)
	`, formatTime(now), limit)
	if err != nil {
		return 0, fmt.Errorf("deleting expired tokens: %w", err)
	}
	return res.RowsAffected()
}

func (r *revocations) DeleteInvalidatedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if r.q == nil {
		return 0, errUnavailable
	}
	res, err := r.q.ExecContext(ctx, `
		DELETE FROM invalidated_tokens
		WHERE token_hash IN (
			SELECT token_hash FROM invalidated_tokens WHERE invalidated_at < ? LIMIT ?
		)
	`, formatTime(cutoff), limit)
	if err != nil {
		return 0, fmt.Errorf("deleting old tokens: %w", err)
	}
	return res.RowsAffected()
}

func (r *revocations) Stats(ctx context.Context, now time.Time) (auth.BlacklistStats, error) {
	stats := auth.BlacklistStats{ByKind: make(map[auth.TokenKind]int64), GeneratedAt: now}
	if r.q == nil {
		return stats, errUnavailable
	}
	rows, err := r.q.QueryContext(ctx, `
		SELECT token_type, COUNT(*), SUM(CASE WHEN expires_at < ? THEN 1 ELSE 0 END)
		FROM invalidated_tokens
		GROUP BY token_type
	`, formatTime(now))
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind           string
			total, expired int64
		)
		if err := rows.Scan(&kind, &total, &expired); err != nil {
			return stats, err
		}
		stats.ByKind[auth.TokenKind(kind)] = total
		stats.Total += total
		stats.Expired += expired
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	stats.Active = stats.Total - stats.Expired
	return stats, nil
}
