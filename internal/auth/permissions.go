package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const (
	PermUserRead         = "user:read"
	PermUserCreate       = "user:create"
	PermUserUpdate       = "user:update"
	PermUserDelete       = "user:delete"
	PermCompanyRead      = "company:read"
	PermCompanyCreate    = "company:create"
	PermCompanyUpdate    = "company:update"
	PermCompanyDelete    = "company:delete"
	PermRoleRead         = "role:read"
	PermRoleCreate       = "role:create"
	PermRoleUpdate       = "role:update"
	PermRoleDelete       = "role:delete"
	PermPermissionRead   = "permission:read"
	PermPermissionAssign = "permission:assign"
	PermSystemAdmin      = "system:admin"
)

// BuiltinPermissions is the catalog seeded into new databases.
var BuiltinPermissions = []Permission{
	{Name: PermUserRead, Description: "Read users"},
	{Name: PermUserCreate, Description: "Create users"},
	{Name: PermUserUpdate, Description: "Update users"},
	{Name: PermUserDelete, Description: "Delete users"},
	{Name: PermCompanyRead, Description: "Read companies"},
	{Name: PermCompanyCreate, Description: "Create companies"},
	{Name: PermCompanyUpdate, Description: "Update companies"},
	{Name: PermCompanyDelete, Description: "Delete companies"},
	{Name: PermRoleRead, Description: "Read roles"},
	{Name: PermRoleCreate, Description: "Create roles"},
	{Name: PermRoleUpdate, Description: "Update roles"},
	{Name: PermRoleDelete, Description: "Delete roles"},
	{Name: PermPermissionRead, Description: "Read permissions"},
	{Name: PermPermissionAssign, Description: "Assign permissions to roles"},
	{Name: PermSystemAdmin, Description: "Full system administration", SuperAdmin: true},
}

// Resolver computes the effective permission set of a user within a tenant.
type Resolver struct {
	store Store
}

// NewResolver constructs a resolver over the store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the sorted, duplicate-free permission names the user holds in
// the tenant. A user without an active membership holds none.
func (r *Resolver) Resolve(ctx context.Context, userID, tenantID string) ([]string, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if userID == "" || tenantID == "" {
		return []string{}, nil
	}
	member, err := r.store.Memberships(ctx).IsActiveMember(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return []string{}, nil
	}
	names, err := r.store.Permissions(ctx).PermissionsFor(ctx, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	return sortedPermissions(names), nil
}

func sortedPermissions(names []string) []string {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		set[name] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
