package cid

import "context"

// ContextKey is the type used for storing the correlation id in context to
// avoid collisions.
type ContextKey struct{}

// HeaderName is the HTTP header used to propagate the correlation id. An
// incoming request that already carries it keeps its value; otherwise the
// server middleware generates a fresh KSUID.
const HeaderName = "X-MDK-CID"

// AttributeName is the span attribute used to attach the correlation id.
const AttributeName = "mdk.cid"

// WithCID returns a context carrying the given correlation id.
func WithCID(ctx context.Context, cid string) context.Context {
	return context.WithValue(ctx, ContextKey{}, cid)
}

// FromContext extracts the correlation id, or "" when absent.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ContextKey{}).(string); ok {
		return v
	}
	return ""
}

// AddHeaderFromContext adds the correlation header to outgoing request
// headers when the context carries a cid.
func AddHeaderFromContext(headers map[string][]string, ctx context.Context) {
	if headers == nil {
		return
	}
	if cid := FromContext(ctx); cid != "" {
		headers[HeaderName] = []string{cid}
	}
}
