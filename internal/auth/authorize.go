package auth

import "time"

// Principal is the caller identity reconstructed from a verified access token.
type Principal struct {
	UserID      string
	Email       string
	Name        string
	TenantID    string
	TenantName  string
	Permissions map[string]struct{}
	ExpiresAt   time.Time
}

// NewPrincipal builds a principal from the permission snapshot in claims.
func NewPrincipal(claims *Claims) Principal {
	set := make(map[string]struct{}, len(claims.Permissions))
	for _, p := range claims.Permissions {
		set[p] = struct{}{}
	}
	return Principal{
		UserID:      claims.Subject,
		Email:       claims.Email,
		Name:        claims.Name,
		TenantID:    claims.TenantID,
		TenantName:  claims.TenantName,
		Permissions: set,
		ExpiresAt:   claims.Expiry(),
	}
}

// HasPermission reports whether the principal can execute action identified by key.
// Holders of system:admin pass every check.
func (p Principal) HasPermission(key string) bool {
	if _, ok := p.Permissions[PermSystemAdmin]; ok {
		return true
	}
	_, ok := p.Permissions[key]
	return ok
}

// PermissionList returns the permission names in sorted order.
func (p Principal) PermissionList() []string {
	names := make([]string, 0, len(p.Permissions))
	for name := range p.Permissions {
		names = append(names, name)
	}
	return sortedPermissions(names)
}
