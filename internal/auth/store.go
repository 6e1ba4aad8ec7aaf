package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
// Accessors take the context so that a transaction opened by WithinTx is
// picked up by every collaborator called with the derived context.
type Store interface {
	Users(ctx context.Context) UserDirectory
	Tenants(ctx context.Context) TenantDirectory
	Memberships(ctx context.Context) MembershipLookup
	Permissions(ctx context.Context) PermissionGraph
	Revocations(ctx context.Context) RevocationStore
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserDirectory looks up and updates accounts.
type UserDirectory interface {
	FindByID(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	MarkVerified(ctx context.Context, userID string) error
}

// TenantDirectory looks up companies.
type TenantDirectory interface {
	FindByID(ctx context.Context, id string) (*Tenant, error)
	FindByName(ctx context.Context, name string) (*Tenant, error)
}

// MembershipLookup answers whether a user belongs to a tenant.
type MembershipLookup interface {
	IsActiveMember(ctx context.Context, userID, tenantID string) (bool, error)
}

// PermissionGraph walks user roles scoped to a tenant down to permission names.
type PermissionGraph interface {
	PermissionsFor(ctx context.Context, userID, tenantID string) ([]string, error)
}

// RevocationStore persists blacklist rows keyed by fingerprint.
type RevocationStore interface {
	// Insert must be idempotent: a duplicate fingerprint is not an error.
	// inserted is false when the fingerprint was already present.
	Insert(ctx context.Context, tok RevokedToken) (inserted bool, err error)
	Exists(ctx context.Context, fingerprint string) (bool, error)
	// DeleteExpired removes at most limit rows with expires_at before now.
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	// DeleteInvalidatedBefore removes at most limit rows revoked before cutoff.
	DeleteInvalidatedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	Stats(ctx context.Context, now time.Time) (BlacklistStats, error)
}
