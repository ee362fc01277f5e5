package idp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	auth "github.com/supabase-community/auth-go"
	"github.com/supabase-community/auth-go/types"

	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/session"
)

// SupabaseConfig configures a Supabase Auth (GoTrue) provider.
type SupabaseConfig struct {
	// URL is the project URL, e.g. "https://<ref>.supabase.co".
	URL     string
	AnonKey string
	Timeout time.Duration
}

// SupabaseProvider talks to Supabase Auth through the auth-go client.
type SupabaseProvider struct {
	client    auth.Client
	transport http.RoundTripper
	timeout   time.Duration
	now       func() time.Time
}

// NewSupabaseProvider creates a Supabase Auth provider.
func NewSupabaseProvider(cfg SupabaseConfig) (*SupabaseProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase url is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid supabase url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	// The project reference is unused once a custom auth URL is set
	client := auth.New("", cfg.AnonKey).
		WithCustomAuthURL(strings.TrimSuffix(cfg.URL, "/") + "/auth/v1")

	return &SupabaseProvider{
		client:    client,
		transport: http.DefaultTransport,
		timeout:   timeout,
		now:       time.Now,
	}, nil
}

// Type returns the provider type.
func (p *SupabaseProvider) Type() string {
	return "supabase"
}

// callTransport binds one provider call to its context, records the final
// HTTP status and limits sign-out to the current session.
type callTransport struct {
	ctx    context.Context
	base   http.RoundTripper
	status int
}

func (t *callTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(t.ctx)
	if strings.HasSuffix(req.URL.Path, "/logout") {
		q := req.URL.Query()
		q.Set("scope", "local")
		req.URL.RawQuery = q.Encode()
	}
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		t.status = resp.StatusCode
	}
	return resp, err
}

// call returns a client whose requests run under ctx bounded by the provider
// timeout, plus the transport that observed them. The caller must call cancel.
func (p *SupabaseProvider) call(ctx context.Context) (auth.Client, *callTransport, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	t := &callTransport{ctx: ctx, base: p.transport}
	return p.client.WithClient(http.Client{Transport: t}), t, cancel
}

// ExchangeRefreshToken refreshes the session. Supabase rotates the refresh
// token on every successful call; the old one becomes unusable.
func (p *SupabaseProvider) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error) {
	client, t, cancel := p.call(ctx)
	defer cancel()
	tok, err := client.RefreshToken(refreshToken)
	if err != nil {
		return nil, codeError("refreshing session", t.status, err)
	}
	if tok.AccessToken == "" || tok.User.ID == uuid.Nil {
		return nil, fmt.Errorf("refresh response missing access token or user")
	}

	s := &session.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    int64(tok.ExpiresIn),
		ExpiresAt:    int64(tok.ExpiresAt),
		User:         identityFromUser(tok.User),
	}
	s.Normalize(p.now())

	log.LogTraceWithFields("idp", "Supabase session refreshed", map[string]any{
		"user_id":    s.User.ID,
		"expires_in": s.ExpiresIn,
		"rotated":    tok.RefreshToken != "" && tok.RefreshToken != refreshToken,
	})
	return s, nil
}

// ResolveUser fetches the user an access token belongs to.
func (p *SupabaseProvider) ResolveUser(ctx context.Context, accessToken string) (*session.Identity, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("empty access token: %w", ErrRejected)
	}

	client, t, cancel := p.call(ctx)
	defer cancel()
	user, err := client.WithToken(accessToken).GetUser()
	if err != nil {
		return nil, codeError("fetching user", t.status, err)
	}
	if user.ID == uuid.Nil {
		return nil, fmt.Errorf("user response missing id: %w", ErrRejected)
	}
	return identityFromUser(user.User), nil
}

// SignOut revokes the current session on the provider. Only the session
// behind accessToken is ended; other devices stay signed in.
func (p *SupabaseProvider) SignOut(ctx context.Context, accessToken string) error {
	client, t, cancel := p.call(ctx)
	defer cancel()
	if err := client.WithToken(accessToken).Logout(); err != nil {
		return codeError("signing out", t.status, err)
	}
	return nil
}

func identityFromUser(u types.User) *session.Identity {
	return &session.Identity{
		ID:           u.ID.String(),
		Email:        u.Email,
		UserMetadata: u.UserMetadata,
	}
}
