package auth

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zenGate-Global/licensing-saas/platform/go/gcp"
)

const (
	ProviderFirebase = "firebase"
	ProviderDev      = "dev"
)

// NewVerifier builds the token verifier for provider. fb is only read for the
// firebase provider.
func NewVerifier(ctx context.Context, provider string, fb gcp.FirebaseConfig, logger *zap.Logger) (VerifyFunc, error) {
	switch provider {
	case ProviderFirebase:
		fbAuth, err := gcp.InitFirebaseAuth(ctx, fb)
		if err != nil {
			return nil, err
		}
		return FirebaseTokenVerifier(fbAuth), nil
	case ProviderDev:
		logger.Warn("using dev auth middleware; do not use in production")
		return UnsignedTokenVerifier(), nil
	default:
		return nil, fmt.Errorf("unsupported auth provider %q", provider)
	}
}
