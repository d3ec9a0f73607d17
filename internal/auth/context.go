package auth

import "context"

type contextKey string

const contextKeyPrincipal contextKey = "auth.principal"

// WithPrincipal stores the caller in context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext extracts the caller, or nil when unauthenticated.
func PrincipalFromContext(ctx context.Context) *Principal {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(contextKeyPrincipal).(*Principal)
	return p
}
