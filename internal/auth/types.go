package auth

import "time"

// TokenKind distinguishes the purposes a signed token can be minted for.
type TokenKind string

const (
	KindAccess            TokenKind = "access"
	KindRefresh           TokenKind = "refresh"
	KindPasswordReset     TokenKind = "password_reset"
	KindEmailVerification TokenKind = "email_verification"
)

// Valid reports whether k is one of the known kinds.
func (k TokenKind) Valid() bool {
	switch k {
	case KindAccess, KindRefresh, KindPasswordReset, KindEmailVerification:
		return true
	}
	return false
}

// User is an account in the user directory. Email is stored lower-cased.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash string
	Active       bool
	Verified     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Tenant is a company; names are unique case-insensitively.
type Tenant struct {
	ID        string
	Name      string
	Active    bool
	CreatedAt time.Time
}

// Permission is a named capability ("resource:action").
type Permission struct {
	ID          string
	Name        string
	Description string
	SuperAdmin  bool
}

// RevokedToken is a blacklist row. The token itself is never stored.
type RevokedToken struct {
	Fingerprint   string
	UserID        string
	TenantID      string
	Kind          TokenKind
	IssuedAt      time.Time
	InvalidatedAt time.Time
	ExpiresAt     time.Time
}

// TokenPair represents access and refresh tokens along with their expirations.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// BlacklistStats summarizes the revocation store.
type BlacklistStats struct {
	Total       int64
	Expired     int64
	Active      int64
	ByKind      map[TokenKind]int64
	GeneratedAt time.Time
}
