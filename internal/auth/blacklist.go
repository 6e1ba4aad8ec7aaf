package auth

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tenantguard.org/internal/obs"
)

const defaultSweepBatch = 1000

// RevocationSource hands out the revocation store bound to ctx.
type RevocationSource interface {
	Revocations(ctx context.Context) RevocationStore
}

// Blacklist applies revocation policy on top of a RevocationStore.
//
// When the store cannot be read, IsRevoked fails open by default: the token is
// treated as not revoked and the error is logged and counted. WithFailClosed
// inverts that and rejects the token instead.
type Blacklist struct {
	source     RevocationSource
	now        func() time.Time
	logger     *zap.Logger
	failClosed bool
	batch      int
}

// BlacklistOption configures Blacklist behavior.
type BlacklistOption func(*Blacklist)

// WithFailClosed makes storage errors during IsRevoked reject the token.
func WithFailClosed(enabled bool) BlacklistOption {
	return func(b *Blacklist) { b.failClosed = enabled }
}

// WithSweepBatch bounds the rows removed per delete statement.
func WithSweepBatch(n int) BlacklistOption {
	return func(b *Blacklist) {
		if n > 0 {
			b.batch = n
		}
	}
}

// WithBlacklistClock overrides time source (useful for tests).
func WithBlacklistClock(fn func() time.Time) BlacklistOption {
	return func(b *Blacklist) {
		if fn != nil {
			b.now = fn
		}
	}
}

// WithBlacklistLogger sets the logger used for storage failures and sweeps.
func WithBlacklistLogger(l *zap.Logger) BlacklistOption {
	return func(b *Blacklist) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBlacklist constructs a Blacklist over source.
func NewBlacklist(source RevocationSource, opts ...BlacklistOption) *Blacklist {
	b := &Blacklist{
		source: source,
		now:    time.Now,
		logger: zap.NewNop(),
		batch:  defaultSweepBatch,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailClosed reports the configured storage-error policy.
func (b *Blacklist) FailClosed() bool { return b.failClosed }

// IsRevoked reports whether the token's fingerprint is blacklisted.
func (b *Blacklist) IsRevoked(ctx context.Context, token string) bool {
	fp := Fingerprint(token)
	found, err := b.source.Revocations(ctx).Exists(ctx, fp)
	if err != nil {
		outcome := "allowed"
		if b.failClosed {
			outcome = "rejected"
		}
		obs.ObserveBlacklistError(outcome)
		b.logger.Warn("blacklist lookup failed",
			zap.String("fingerprint", fp[:16]),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
		return b.failClosed
	}
	if found {
		obs.ObserveBlacklistCheck("revoked")
	} else {
		obs.ObserveBlacklistCheck("clean")
	}
	return found
}

// Revoke blacklists the token described by claims. Revoking twice is a no-op.
func (b *Blacklist) Revoke(ctx context.Context, token string, claims *Claims) error {
	_, err := b.insert(ctx, token, claims)
	return err
}

// Consume blacklists a single-use token. It returns ErrInvalidToken when the
// token was already blacklisted, including by a concurrent caller, so at most
// one caller ever consumes a given token.
func (b *Blacklist) Consume(ctx context.Context, token string, claims *Claims) error {
	inserted, err := b.insert(ctx, token, claims)
	if err != nil {
		return err
	}
	if !inserted {
		obs.ObserveBlacklistCheck("revoked")
		return ErrInvalidToken
	}
	return nil
}

func (b *Blacklist) insert(ctx context.Context, token string, claims *Claims) (bool, error) {
	if claims == nil {
		return false, fmt.Errorf("%w: claims are required", ErrInvalidInput)
	}
	entry := RevokedToken{
		Fingerprint:   Fingerprint(token),
		UserID:        claims.Subject,
		TenantID:      claims.TenantID,
		Kind:          claims.Kind,
		IssuedAt:      claims.Issued(),
		InvalidatedAt: b.now().UTC(),
		ExpiresAt:     claims.Expiry(),
	}
	inserted, err := b.source.Revocations(ctx).Insert(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("insert revoked token: %w", err)
	}
	return inserted, nil
}

// SweepExpired deletes rows whose token has expired. Rows are removed in
// bounded batches until a short batch signals the backlog is drained.
func (b *Blacklist) SweepExpired(ctx context.Context) (int64, error) {
	now := b.now().UTC()
	total, err := b.sweep(ctx, func(store RevocationStore) (int64, error) {
		return store.DeleteExpired(ctx, now, b.batch)
	})
	obs.ObserveSweep("expired", total)
	if err != nil {
		return total, fmt.Errorf("sweep expired tokens: %w", err)
	}
	b.logger.Info("swept expired blacklist entries", zap.Int64("deleted", total))
	return total, nil
}

// SweepOlderThan deletes rows revoked more than age ago.
func (b *Blacklist) SweepOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		return 0, fmt.Errorf("%w: age must be positive", ErrInvalidInput)
	}
	cutoff := b.now().UTC().Add(-age)
	total, err := b.sweep(ctx, func(store RevocationStore) (int64, error) {
		return store.DeleteInvalidatedBefore(ctx, cutoff, b.batch)
	})
	obs.ObserveSweep("age", total)
	if err != nil {
		return total, fmt.Errorf("sweep old tokens: %w", err)
	}
	b.logger.Info("swept old blacklist entries", zap.Int64("deleted", total), zap.Time("cutoff", cutoff))
	return total, nil
}

func (b *Blacklist) sweep(ctx context.Context, step func(RevocationStore) (int64, error)) (int64, error) {
	store := b.source.Revocations(ctx)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := step(store)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(b.batch) {
			return total, nil
		}
	}
}

// Stats summarizes the blacklist as of now.
func (b *Blacklist) Stats(ctx context.Context) (BlacklistStats, error) {
	stats, err := b.source.Revocations(ctx).Stats(ctx, b.now().UTC())
	if err != nil {
		return BlacklistStats{}, fmt.Errorf("blacklist stats: %w", err)
	}
	return stats, nil
}
