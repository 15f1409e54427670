package tenantdb

import "context"

type ctxKey struct{}

// IntoContext stores a leased handle for downstream handlers.
func IntoContext(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// FromContext returns the handle stored by IntoContext.
func FromContext(ctx context.Context) (*Handle, bool) {
	h, ok := ctx.Value(ctxKey{}).(*Handle)
	return h, ok && h != nil
}
