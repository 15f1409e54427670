package main

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/licensing-saas/platform/go/auth"
)

// buildAuthMiddleware constructs the JWT middleware. Registry endpoints are
// operator-only, so no tenant claim is required here.
func buildAuthMiddleware(ctx context.Context, cfg config, logger *zap.Logger) func(http.Handler) http.Handler {
	verify, err := platformauth.NewVerifier(ctx, cfg.AuthProvider, cfg.Firebase, logger)
	if err != nil {
		logger.Fatal("init auth verifier", zap.String("provider", cfg.AuthProvider), zap.Error(err))
	}
	return platformauth.JWT(verify, platformauth.DefaultCredentialExtractor)
}
