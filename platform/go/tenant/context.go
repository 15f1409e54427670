package tenant

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey string

const tenantIDKey ctxKey = "LICENSING_TENANT_ID"

// WithTenantID returns a derived context carrying the resolved tenant id.
// Middleware attaches it once the tenant claim has been extracted.
func WithTenantID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, id)
}

// IDFromContext extracts the tenant id and a boolean indicating presence.
func IDFromContext(ctx context.Context) (uuid.UUID, bool) {
	v := ctx.Value(tenantIDKey)
	if v == nil {
		return uuid.Nil, false
	}

	id, ok := v.(uuid.UUID)
	return id, ok
}
