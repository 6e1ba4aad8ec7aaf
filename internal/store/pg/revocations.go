package pg

import (
	"context"
	"fmt"
	"time"

	"tenantguard.org/internal/auth"
)

type revocations struct{ q querier }

func (r *revocations) Insert(ctx context.Context, tok auth.RevokedToken) (bool, error) {
	if r.q == nil {
		return false, errUnavailable
	}
	res, err := r.q.ExecContext(ctx, `
		insert into invalidated_tokens (token_hash, user_id, company_id, token_type, issued_at, invalidated_at, expires_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (token_hash) do nothing
	`, tok.Fingerprint, tok.UserID, nullIfEmpty(tok.TenantID), string(tok.Kind),
		tok.IssuedAt.UTC(), tok.InvalidatedAt.UTC(), tok.ExpiresAt.UTC())
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
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
		select exists(select 1 from invalidated_tokens where token_hash = $1)
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
		delete from invalidated_tokens
		where token_hash in (
			select token_hash from invalidated_tokens
			where expires_at < $1
			limit $2
		)
	`, now.UTC(), limit)
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
		delete from invalidated_tokens
		where token_hash in (
			select token_hash from invalidated_tokens
			where invalidated_at < $1
			limit $2
		)
	`, cutoff.UTC(), limit)
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
		select token_type, count(*), count(*) filter (where expires_at < $1)
		from invalidated_tokens
		group by token_type
	`, now.UTC())
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
