package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ClaimTenantID is the credential claim carrying the tenant id.
const ClaimTenantID = "tenantId"

// ErrUnauthenticated reports a missing or malformed tenant claim. It is an
// authentication failure, never a provisioning one.
var ErrUnauthenticated = errors.New("unauthenticated: tenant claim missing or invalid")

// ExtractTenantID reads the tenant id from a verified claims map. The top level
// tenantId claim wins; Firebase multi-tenant tokens carry it as firebase.tenant.
func ExtractTenantID(claims map[string]any) (uuid.UUID, error) {
	raw, ok := rawTenantClaim(claims)
	if !ok {
		return uuid.Nil, ErrUnauthenticated
	}

	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not a tenant id", ErrUnauthenticated, raw)
	}
	return id, nil
}

func rawTenantClaim(claims map[string]any) (string, bool) {
	if claims == nil {
		return "", false
	}
	if v, ok := claims[ClaimTenantID].(string); ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	if fb, ok := claims["firebase"].(map[string]any); ok {
		if v, ok := fb["tenant"].(string); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}
