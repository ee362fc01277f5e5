package idp

import (
	"fmt"

	"github.com/dgellow/sso-relay/internal/config"
)

// NewProvider creates a Provider based on the ProviderConfig. A configured
// JWT secret enables local access-token verification.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	var (
		p   Provider
		err error
	)

	switch cfg.Type {
	case config.ProviderTypeSupabase:
		p, err = NewSupabaseProvider(SupabaseConfig{
			URL:     cfg.URL,
			AnonKey: string(cfg.AnonKey),
			Timeout: cfg.Timeout,
		})

	case config.ProviderTypeOIDC:
		p, err = NewOIDCProvider(OIDCConfig{
			ProviderType: "oidc",
			DiscoveryURL: cfg.DiscoveryURL,
			TokenURL:     cfg.TokenURL,
			UserInfoURL:  cfg.UserInfoURL,
			RevokeURL:    cfg.RevokeURL,
			ClientID:     cfg.ClientID,
			ClientSecret: string(cfg.ClientSecret),
			Scopes:       cfg.Scopes,
			Timeout:      cfg.Timeout,
		})

	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.JWTSecret != "" {
		return WithLocalVerification(p, NewJWTVerifier([]byte(cfg.JWTSecret))), nil
	}
	return p, nil
}
