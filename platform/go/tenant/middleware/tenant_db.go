package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/licensing-saas/platform/go/auth"
	platformlogging "github.com/zenGate-Global/licensing-saas/platform/go/logging"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenantdb"
)

// Resolver leases the tenant database of a service. Implemented by *tenantdb.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, service string, tenantID uuid.UUID) (*tenantdb.Handle, error)
}

// Config controls middleware behavior.
type Config struct {
	Service string
	// RetryAfter is advertised while a tenant is still being provisioned.
	RetryAfter time.Duration
}

// WithTenantDB reads the tenant claim of the authenticated user, leases the
// tenant's database for cfg.Service and attaches it to the request context.
// The lease is released when the handler returns.
func WithTenantDB(resolver Resolver, cfg Config, log *zap.Logger) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("tenant middleware: resolver is required")
	}
	cfg.Service = strings.TrimSpace(cfg.Service)
	if cfg.Service == "" {
		panic("tenant middleware: service is required")
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	retryAfter := strconv.Itoa(int(cfg.RetryAfter.Round(time.Second) / time.Second))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := platformauth.UserFromContext(r.Context())
			if !ok || creds == nil {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}

			tid, err := tenant.ExtractTenantID(claimsOf(creds))
			if err != nil {
				http.Error(w, "unauthenticated", http.StatusUnauthorized)
				return
			}

			logger := platformlogging.FromRequest(r, log).With(zap.String("tenant_id", tid.String()))

			h, err := resolver.Resolve(r.Context(), cfg.Service, tid)
			switch {
			case err == nil:
			case errors.Is(err, tenantdb.ErrTenantUnknown):
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "tenant not ready", http.StatusServiceUnavailable)
				return
			case errors.Is(err, tenantdb.ErrTenantRetired):
				http.Error(w, "tenant retired", http.StatusGone)
				return
			default:
				logger.Warn("resolve tenant database", zap.String("service", cfg.Service), zap.Error(err))
				http.Error(w, "tenant database unavailable", http.StatusServiceUnavailable)
				return
			}
			defer h.Release()

			ctx := tenant.WithTenantID(r.Context(), tid)
			ctx = tenantdb.IntoContext(ctx, h)
			ctx = platformlogging.WithLogger(ctx, logger)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// claimsOf prefers the verified claims; credentials built by a custom
// extractor may only carry the tenant id.
func claimsOf(creds *platformauth.UserCredentials) map[string]any {
	if creds.Claims != nil {
		return creds.Claims
	}
	if creds.TenantID != nil {
		return map[string]any{tenant.ClaimTenantID: *creds.TenantID}
	}
	return nil
}
