package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/session"
)

// OIDCConfig configures a generic OIDC provider.
type OIDCConfig struct {
	// ProviderType identifies this provider (e.g., "oidc", "keycloak").
	ProviderType string

	// Discovery URL for OIDC discovery (optional if endpoints are provided directly).
	DiscoveryURL string

	// Direct endpoint configuration (used if DiscoveryURL is not set).
	TokenURL    string
	UserInfoURL string
	RevokeURL   string

	// OAuth client configuration.
	ClientID     string
	ClientSecret string
	Scopes       []string

	Timeout time.Duration
}

// OIDCProvider implements Provider for OIDC-compliant identity providers.
type OIDCProvider struct {
	providerType string
	config       oauth2.Config
	userInfoURL  string
	revokeURL    string
	client       *http.Client
	now          func() time.Time
}

// oidcDiscoveryDocument represents the OIDC discovery document.
type oidcDiscoveryDocument struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	RevocationEndpoint    string `json:"revocation_endpoint"`
	Issuer                string `json:"issuer"`
}

// oidcUserInfoResponse represents the standard OIDC userinfo response.
type oidcUserInfoResponse struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// NewOIDCProvider creates a new OIDC provider.
func NewOIDCProvider(cfg OIDCConfig) (*OIDCProvider, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{Timeout: timeout}

	tokenURL, userInfoURL, revokeURL := cfg.TokenURL, cfg.UserInfoURL, cfg.RevokeURL
	if cfg.DiscoveryURL != "" {
		discovery, err := fetchOIDCDiscovery(client, cfg.DiscoveryURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch OIDC discovery: %w", err)
		}
		tokenURL = discovery.TokenEndpoint
		userInfoURL = discovery.UserInfoEndpoint
		if revokeURL == "" {
			revokeURL = discovery.RevocationEndpoint
		}
	} else if tokenURL == "" || userInfoURL == "" {
		return nil, fmt.Errorf("either discoveryUrl or both endpoints (tokenUrl, userInfoUrl) must be provided")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile", "offline_access"}
	}

	providerType := cfg.ProviderType
	if providerType == "" {
		providerType = "oidc"
	}

	return &OIDCProvider{
		providerType: providerType,
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenURL,
			},
		},
		userInfoURL: userInfoURL,
		revokeURL:   revokeURL,
		client:      client,
		now:         time.Now,
	}, nil
}

func fetchOIDCDiscovery(client *http.Client, discoveryURL string) (*oidcDiscoveryDocument, error) {
	resp, err := client.Get(discoveryURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery endpoint returned status %d: %s", resp.StatusCode, readLimited(resp.Body, 1024))
	}

	var discovery oidcDiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&discovery); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}

	if discovery.TokenEndpoint == "" || discovery.UserInfoEndpoint == "" {
		return nil, fmt.Errorf("discovery document missing required endpoints")
	}

	return &discovery, nil
}

// Type returns the provider type.
func (p *OIDCProvider) Type() string {
	return p.providerType
}

// ExchangeRefreshToken runs the refresh_token grant. Providers that do not
// rotate refresh tokens return none; the presented token is kept then.
func (p *OIDCProvider) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)

	// An expired token forces the TokenSource to refresh
	old := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := p.config.TokenSource(ctx, old).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && (retrieveErr.ErrorCode == "invalid_grant" ||
			(retrieveErr.Response != nil && rejectedStatus(retrieveErr.Response.StatusCode))) {
			return nil, fmt.Errorf("refreshing token: %w: %w", ErrRejected, err)
		}
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	user, err := p.ResolveUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	now := p.now()
	s := &session.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		User:         user,
	}
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}
	if !tok.Expiry.IsZero() {
		s.ExpiresAt = tok.Expiry.Unix()
		s.ExpiresIn = max(int64(tok.Expiry.Sub(now).Seconds()), 0)
	}
	s.Normalize(now)

	log.LogTraceWithFields("idp", "OIDC session refreshed", map[string]any{
		"provider":   p.providerType,
		"user_id":    user.ID,
		"expires_in": s.ExpiresIn,
	})
	return s, nil
}

// ResolveUser fetches user identity from the OIDC userinfo endpoint.
func (p *OIDCProvider) ResolveUser(ctx context.Context, accessToken string) (*session.Identity, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("empty access token: %w", ErrRejected)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("failed to get user info", resp)
	}

	var userInfoResp oidcUserInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&userInfoResp); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}
	if userInfoResp.Sub == "" {
		return nil, fmt.Errorf("user info missing subject: %w", ErrRejected)
	}

	metadata := map[string]any{"email_verified": userInfoResp.EmailVerified}
	if userInfoResp.Name != "" {
		metadata["full_name"] = userInfoResp.Name
	}
	if userInfoResp.Picture != "" {
		metadata["avatar_url"] = userInfoResp.Picture
	}

	return &session.Identity{
		ID:           userInfoResp.Sub,
		Email:        userInfoResp.Email,
		UserMetadata: metadata,
	}, nil
}

// SignOut revokes the access token at the revocation endpoint (RFC 7009).
// Without a revocation endpoint there is nothing to revoke.
func (p *OIDCProvider) SignOut(ctx context.Context, accessToken string) error {
	if p.revokeURL == "" {
		return nil
	}

	form := url.Values{
		"token":           {accessToken},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(p.config.ClientID), url.QueryEscape(p.config.ClientSecret))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("revoking token", resp)
	}
	return nil
}
