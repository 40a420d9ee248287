package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"notes-sharing-server/internal/domain"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

type JWKSOptions struct {
	URL             string
	RefreshInterval time.Duration
	Issuer          string
	Audience        string
	Leeway          time.Duration
}

// providerClaims covers both generic OIDC and Firebase ID tokens.
type providerClaims struct {
	jwt.RegisteredClaims
	Email  string `json:"email,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// JWKSVerifier checks RS256 tokens against keys fetched from a JWKS endpoint.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	leeway   time.Duration
	logger   *slog.Logger
}

func NewJWKSVerifier(opts JWKSOptions, logger *slog.Logger) (*JWKSVerifier, error) {
	// Start even if the identity provider is not reachable yet; keys are
	// fetched again on the refresh interval.
	storage, err := jwkset.NewStorageFromHTTP(opts.URL, jwkset.HTTPClientStorageOptions{
		Client:                    &http.Client{Timeout: 10 * time.Second},
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           opts.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("JWKS refresh failed",
				slog.String("error", err.Error()),
				slog.String("url", opts.URL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}

	return NewJWKSVerifierWithKeyfunc(k, opts, logger), nil
}

// NewJWKSVerifierWithKeyfunc builds a verifier around an existing keyfunc.
func NewJWKSVerifierWithKeyfunc(kf keyfunc.Keyfunc, opts JWKSOptions, logger *slog.Logger) *JWKSVerifier {
	return &JWKSVerifier{
		jwks:     kf,
		issuer:   opts.Issuer,
		audience: opts.Audience,
		leeway:   opts.Leeway,
		logger:   logger.With(slog.String("component", "jwks_verifier")),
	}
}

func (v *JWKSVerifier) Verify(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, unauthenticated("empty token", nil)
	}

	raw := &providerClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, raw, v.jwks.KeyfuncCtx(ctx), parserOpts...)
	if err != nil {
		v.logger.Debug("token validation failed", slog.String("error", err.Error()))
		return nil, unauthenticated("invalid or expired token", err)
	}
	if !parsed.Valid {
		return nil, unauthenticated("invalid token", nil)
	}

	subject, err := raw.GetSubject()
	if err != nil || subject == "" {
		return nil, unauthenticated("token has no subject", err)
	}

	identity := &domain.Identity{
		SubjectID: subject,
		Email:     raw.Email,
		Claims: map[string]interface{}{
			"sub": subject,
			"iss": raw.Issuer,
		},
	}
	if raw.ExpiresAt != nil {
		identity.ExpiresAt = raw.ExpiresAt.Time
	}
	if raw.Email != "" {
		identity.Claims["email"] = raw.Email
	}
	if raw.UserID != "" {
		identity.Claims["user_id"] = raw.UserID
	}

	return identity, nil
}
