package idp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dgellow/sso-relay/internal/session"
)

// DefaultTimeout bounds every call to the identity provider.
const DefaultTimeout = 10 * time.Second

// ErrRejected is returned when the provider refuses a credential: an invalid,
// expired, revoked or already-rotated refresh token, or an access token it
// does not recognise. Any other error means the provider could not be asked.
var ErrRejected = errors.New("credential rejected by identity provider")

// Provider abstracts the identity provider operations the relay needs. The
// interactive login exchange happens elsewhere; the relay only refreshes,
// resolves and revokes sessions that already exist.
type Provider interface {
	// Type returns the provider type identifier (e.g., "supabase", "oidc").
	Type() string

	// ExchangeRefreshToken trades a refresh token for a new session. The
	// returned session carries the rotated refresh token.
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error)

	// ResolveUser returns the identity an access token belongs to.
	ResolveUser(ctx context.Context, accessToken string) (*session.Identity, error)

	// SignOut revokes the session behind an access token.
	SignOut(ctx context.Context, accessToken string) error
}

// rejectedStatus reports whether an HTTP status means the provider refused
// the credential rather than failed.
func rejectedStatus(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

// statusError converts a non-2xx provider response into an error, wrapping
// ErrRejected when the status says the credential was refused.
func statusError(op string, resp *http.Response) error {
	body := readLimited(resp.Body, 1024)
	if rejectedStatus(resp.StatusCode) {
		return fmt.Errorf("%s: status %d: %s: %w", op, resp.StatusCode, body, ErrRejected)
	}
	return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode, body)
}

// readLimited reads up to limit bytes for inclusion in error messages.
func readLimited(r io.Reader, limit int64) string {
	body, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return fmt.Sprintf("<unreadable: %v>", err)
	}
	return string(body)
}

// codeError wraps err from a provider call that ended with HTTP status code.
// A zero status means no response was received.
func codeError(op string, status int, err error) error {
	if status != 0 && rejectedStatus(status) {
		return fmt.Errorf("%s: status %d: %w: %w", op, status, err, ErrRejected)
	}
	return fmt.Errorf("%s: %w", op, err)
}
