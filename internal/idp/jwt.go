package idp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/session"
)

// AccessClaims are the claims Supabase puts in its access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	Role         string         `json:"role"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// JWTVerifier validates HS256 access tokens against the project's JWT secret
// without a network round trip.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}
}

// Verify checks the signature and expiry of token and returns its identity.
func (v *JWTVerifier) Verify(token string) (*session.Identity, error) {
	claims := &AccessClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verifying access token: %w: %w", ErrRejected, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("access token is not valid: %w", ErrRejected)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("access token has no subject: %w", ErrRejected)
	}
	return &session.Identity{
		ID:           claims.Subject,
		Email:        claims.Email,
		UserMetadata: claims.UserMetadata,
	}, nil
}

// TokenExpiry reads the exp claim of a JWT without verifying it. Clients use
// it when a session response does not carry expiry information.
func TokenExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

// VerifyingProvider resolves users from locally verified access tokens and
// delegates everything else, including tokens it cannot verify, to the
// wrapped provider.
type VerifyingProvider struct {
	Provider
	verifier *JWTVerifier
}

// WithLocalVerification wraps p so ResolveUser verifies tokens locally first.
func WithLocalVerification(p Provider, verifier *JWTVerifier) *VerifyingProvider {
	return &VerifyingProvider{Provider: p, verifier: verifier}
}

// ResolveUser returns the identity in a locally verified token. A token with
// a bad signature or expiry is rejected outright; any other token shape falls
// through to the provider.
func (p *VerifyingProvider) ResolveUser(ctx context.Context, accessToken string) (*session.Identity, error) {
	identity, err := p.verifier.Verify(accessToken)
	if err == nil {
		return identity, nil
	}
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrTokenExpired) {
		return nil, err
	}

	log.LogTraceWithFields("idp", "Local verification inconclusive, asking provider", map[string]any{
		"error": err.Error(),
	})
	return p.Provider.ResolveUser(ctx, accessToken)
}
