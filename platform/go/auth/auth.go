// Package auth authenticates requests from bearer ID tokens and exposes the
// caller's credentials to handlers.
package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"

	"github.com/zenGate-Global/licensing-saas/platform/go/problem"
	"github.com/zenGate-Global/licensing-saas/platform/go/tenant"
)

type ctxKey string

const ctxUserCredentials ctxKey = "LICENSING_USER_CREDENTIALS"

// RoleAdmin is satisfied by the isAdmin claim or an "admin" entry in roles.
const RoleAdmin = "admin"

// UserCredentials is what the API knows about an authenticated caller.
type UserCredentials struct {
	UserID        string
	Email         string
	EmailVerified bool
	Name          *string
	IsAdmin       bool
	Roles         []string
	// TenantID is the canonical tenant id when the token carries a valid one.
	// Registry operators usually have none.
	TenantID *string
	// Claims holds the verified claims the credentials were built from.
	Claims map[string]any
}

// HasRole reports whether the caller holds role.
func (c *UserCredentials) HasRole(role string) bool {
	if c == nil {
		return false
	}
	if role == RoleAdmin && c.IsAdmin {
		return true
	}
	return slices.Contains(c.Roles, role)
}

// WithUser attaches credentials to ctx; used by the JWT middleware and tests.
func WithUser(ctx context.Context, creds *UserCredentials) context.Context {
	return context.WithValue(ctx, ctxUserCredentials, creds)
}

func UserFromContext(ctx context.Context) (*UserCredentials, bool) {
	u, ok := ctx.Value(ctxUserCredentials).(*UserCredentials)
	return u, ok && u != nil
}

// ExtractFunc converts a verified claims map into UserCredentials.
type ExtractFunc func(claims map[string]any) (*UserCredentials, error)

var errMissingSubject = errors.New("token has no subject")

// DefaultCredentialExtractor reads Firebase-shaped claims.
func DefaultCredentialExtractor(claims map[string]any) (*UserCredentials, error) {
	if claims == nil {
		return nil, errors.New("missing claims")
	}

	userID := firstStringClaim(claims, "uid", "user_id", "sub")
	if userID == "" {
		return nil, errMissingSubject
	}

	creds := &UserCredentials{
		UserID:        userID,
		Email:         firstStringClaim(claims, "email"),
		EmailVerified: boolClaim(claims, "email_verified"),
		Name:          optionalStringClaim(claims, "name"),
		IsAdmin:       boolClaim(claims, "isAdmin"),
		Roles:         stringSliceClaim(claims, "roles"),
		Claims:        claims,
	}
	if id, err := tenant.ExtractTenantID(claims); err == nil {
		s := id.String()
		creds.TenantID = &s
	}
	return creds, nil
}

// RequireRole rejects unauthenticated callers with 401 and callers lacking role
// with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			creds, ok := UserFromContext(r.Context())
			if !ok {
				problem.Write(w, problem.New(http.StatusUnauthorized, "Unauthorized", "authentication required", problem.TypeUnauthorized))
				return
			}
			if !creds.HasRole(role) {
				problem.Write(w, problem.New(http.StatusForbidden, "Forbidden", "role "+role+" required", problem.TypeForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func boolClaim(claims map[string]any, key string) bool {
	v, _ := claims[key].(bool)
	return v
}

func firstStringClaim(claims map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func optionalStringClaim(claims map[string]any, key string) *string {
	if v := firstStringClaim(claims, key); v != "" {
		return &v
	}
	return nil
}

// stringSliceClaim accepts both []string and the []any produced by JSON decoding.
func stringSliceClaim(claims map[string]any, key string) []string {
	switch v := claims[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
