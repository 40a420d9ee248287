package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"notes-sharing-server/internal/auth"
	"notes-sharing-server/internal/domain"
	"notes-sharing-server/internal/policy"
	"notes-sharing-server/pkg/response"
)

type contextKey string

const IdentityKey contextKey = "identity"

// AuthMiddleware verifies the bearer token, resolves admin status against the
// policy and stores the identity in the request context.
func AuthMiddleware(verifier auth.Verifier, pol *policy.Policy, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r.Header.Get("Authorization"))
			if !ok {
				response.Unauthorized(w, "Missing or invalid authorization header")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				logger.Debug("token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			identity.IsAdmin = pol.IsAdmin(identity.SubjectID)
			recordUser(w, identity.SubjectID)

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// BearerToken extracts the token from an Authorization header. The scheme
// is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

func WithIdentity(ctx context.Context, identity *domain.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

func GetIdentity(r *http.Request) *domain.Identity {
	identity, ok := r.Context().Value(IdentityKey).(*domain.Identity)
	if !ok {
		return nil
	}
	return identity
}
