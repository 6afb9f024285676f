package audit

import "context"

type metaKey struct{}

// Meta carries per-request details that belong on every audit entry the
// request produces. Middleware stashes it once; the recorder pulls it out
// so services never handle transport concerns.
type Meta struct {
	RequestID string
	SourceIP  string
	UserAgent string
}

// WithRequestMeta returns a context carrying request details for audit
// enrichment.
func WithRequestMeta(ctx context.Context, m Meta) context.Context {
	return context.WithValue(ctx, metaKey{}, m)
}

// MetaFromContext returns the request details stored by WithRequestMeta,
// or the zero Meta when none were stored.
func MetaFromContext(ctx context.Context) Meta {
	m, _ := ctx.Value(metaKey{}).(Meta)
	return m
}
