package auth

import "context"

// Roles understood by the access API.
const (
	RoleSubject   = "subject"
	RoleClinician = "clinician"
	RoleResponder = "responder"
	RoleAuditor   = "auditor"
)

// CanBreakGlass reports whether the actor in ctx may start an emergency override.
func CanBreakGlass(ctx context.Context) bool {
	return HasRole(ctx, RoleResponder) || HasRole(ctx, RoleClinician)
}

// KnownRole reports whether role is part of the access vocabulary.
func KnownRole(role string) bool {
	switch role {
	case RoleSubject, RoleClinician, RoleResponder, RoleAuditor:
		return true
	}
	return false
}
