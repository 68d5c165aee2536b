package account

import "context"

// principalContextKey is the ambient-security-context slot
// GetCurrentUser reads from. The authentication middleware
// populates it once per request after resolving either a JWT
// subject claim or a local session.
type principalContextKey struct{}

// WithPrincipal returns a context carrying the authenticated
// principal's subject identifier (User.ExternalID for local sessions,
// the JWT `sub` claim for bearer requests).
func WithPrincipal(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, principalContextKey{}, subjectID)
}

// PrincipalFromContext extracts the subject identifier set by
// WithPrincipal, if any.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(principalContextKey{}).(string)
	return v, ok && v != ""
}
