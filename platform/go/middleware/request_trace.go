package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	platformauth "github.com/zenGate-Global/licensing-saas/platform/go/auth"
	platformlogging "github.com/zenGate-Global/licensing-saas/platform/go/logging"
	"github.com/zenGate-Global/licensing-saas/platform/go/problem"
	"github.com/zenGate-Global/licensing-saas/platform/go/requesttrace"
)

// RequestTrace records who is calling (user or anonymous) as AuditInfo on the
// context and tags the request logger with it. It runs after auth.JWT.
func RequestTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		logger := platformlogging.FromRequest(r, zap.NewNop())

		audit := requesttrace.Anonymous(requestID)
		if creds, ok := platformauth.UserFromContext(r.Context()); ok {
			var err error
			if audit, err = requesttrace.FromCredentials(creds, requestID); err != nil {
				logger.Warn("credentials without user id", zap.Error(err))
				problem.Write(w, problem.New(http.StatusUnauthorized, "Unauthorized", "credentials carry no user id", problem.TypeUnauthorized))
				return
			}
		}

		ctx := requesttrace.IntoContext(r.Context(), audit)
		ctx = platformlogging.WithLogger(ctx, logger.With(audit.Fields()...))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
