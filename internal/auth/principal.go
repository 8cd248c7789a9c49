package auth

import "context"

// DevPrincipal is the caller identity used when authentication is bypassed.
const DevPrincipal = "dev@localhost"

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying the caller identity.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFrom returns the caller identity stored in ctx, or "".
func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}
