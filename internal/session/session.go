package session

import (
	"encoding/json"
	"time"
)

// Relay endpoint paths, relative to the relay base URL.
const (
	IssuePath = "/functions/v1/set-auth-cookie"
	FetchPath = "/functions/v1/get-session"
	ClearPath = "/functions/v1/clear-auth-cookie"
)

// Identity is the provider's view of an authenticated user. It is read-only
// here; the provider owns it.
type Identity struct {
	ID           string         `json:"id"`
	Email        string         `json:"email,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// DisplayName returns the best human-readable name available for the user.
func (i *Identity) DisplayName() string {
	if i == nil {
		return ""
	}
	for _, key := range []string{"full_name", "name"} {
		if v, ok := i.UserMetadata[key].(string); ok && v != "" {
			return v
		}
	}
	return i.Email
}

// Session is a provider session as returned by a refresh. The refresh token
// only ever travels in the HttpOnly cookie; it is never serialized to clients.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64 // seconds
	ExpiresAt    int64 // unix seconds
	User         *Identity
}

// Normalize fills ExpiresAt from ExpiresIn when the provider omitted it.
func (s *Session) Normalize(now time.Time) {
	if s.ExpiresAt == 0 && s.ExpiresIn > 0 {
		s.ExpiresAt = now.Unix() + s.ExpiresIn
	}
}

// Record returns the client-facing view of s.
func (s *Session) Record() FetchResponse {
	return FetchResponse{
		AccessToken: s.AccessToken,
		ExpiresAt:   s.ExpiresAt,
		ExpiresIn:   s.ExpiresIn,
		User:        s.User,
	}
}

// IssueRequest is the body of the cookie issue endpoint.
type IssueRequest struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
}

// UnmarshalJSON accepts both snake_case and camelCase field names; snake_case
// wins when both are present.
func (r *IssueRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		RefreshToken      string `json:"refresh_token"`
		AccessToken       string `json:"access_token"`
		RefreshTokenCamel string `json:"refreshToken"`
		AccessTokenCamel  string `json:"accessToken"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.RefreshToken = firstNonEmpty(raw.RefreshToken, raw.RefreshTokenCamel)
	r.AccessToken = firstNonEmpty(raw.AccessToken, raw.AccessTokenCamel)
	return nil
}

// IssueResponse is returned once the refresh cookie has been set.
type IssueResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"user_id,omitempty"`
}

// ClearResponse is returned by the clear endpoint.
type ClearResponse struct {
	Success bool `json:"success"`
}

// FetchResponse is the body of the session fetch endpoint. A response without
// a user means there is no session.
type FetchResponse struct {
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   int64     `json:"expires_at,omitempty"`
	ExpiresIn   int64     `json:"expires_in,omitempty"`
	User        *Identity `json:"user"`
	Error       string    `json:"error,omitempty"`
}

// HasSession reports whether the response carries a usable session.
func (r *FetchResponse) HasSession() bool {
	return r.User != nil && r.AccessToken != ""
}

// NoSession is the explicit "no session" body: session and user are both
// null, with an optional reason.
type NoSession struct {
	Session *struct{} `json:"session"`
	User    *Identity `json:"user"`
	Error   string    `json:"error,omitempty"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
