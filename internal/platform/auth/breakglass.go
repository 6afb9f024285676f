package auth

import "context"

type breakGlassKey struct{}

// WithBreakGlass marks the request as an emergency override with the
// caller-supplied reason. The authorizer honors the mark by skipping
// ownership checks; the membership requirement still applies.
func WithBreakGlass(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, breakGlassKey{}, reason)
}

// BreakGlassReason returns the emergency override reason and whether the
// request carries one.
func BreakGlassReason(ctx context.Context) (string, bool) {
	reason, ok := ctx.Value(breakGlassKey{}).(string)
	return reason, ok && reason != ""
}
