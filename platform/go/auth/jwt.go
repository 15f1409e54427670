package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// VerifyFunc validates a raw token and returns its claims.
type VerifyFunc func(ctx context.Context, token string) (map[string]any, error)

// ExtractJWTToken returns the bearer token of r, matching the scheme case-insensitively.
func ExtractJWTToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(authHeader[len(prefix):])
	return token, token != ""
}

// JWT verifies the bearer token when present and attaches the caller's
// credentials. Requests without a token pass through anonymous; RequireRole or
// the tenant middleware reject them where authentication is mandatory.
func JWT(verify VerifyFunc, extract ExtractFunc) func(http.Handler) http.Handler {
	if verify == nil {
		panic("auth.JWT: verify func must not be nil")
	}
	if extract == nil {
		extract = DefaultCredentialExtractor
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, found := ExtractJWTToken(r)
			if !found {
				next.ServeHTTP(w, r)
				return
			}

			claims, err := verify(r.Context(), token)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			creds, err := extract(claims)
			if err != nil {
				unauthorized(w, "invalid claims")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), creds)))
		})
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm="api", error="invalid_token", error_description=%q`, description))
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
