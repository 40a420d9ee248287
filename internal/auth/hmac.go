package auth

import (
	"context"

	"notes-sharing-server/internal/domain"
	"notes-sharing-server/pkg/jwt"
)

// HMACVerifier accepts HS256 tokens minted with a shared secret.
type HMACVerifier struct {
	secret string
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: secret}
}

func (v *HMACVerifier) Verify(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, unauthenticated("empty token", nil)
	}

	claims, err := jwt.ValidateToken(token, v.secret)
	if err != nil {
		return nil, unauthenticated("invalid token", err)
	}

	identity := &domain.Identity{
		SubjectID: claims.UserID,
		Email:     claims.Email,
		Claims: map[string]interface{}{
			"sub":     claims.Subject,
			"user_id": claims.UserID,
		},
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.Email != "" {
		identity.Claims["email"] = claims.Email
	}

	return identity, nil
}
