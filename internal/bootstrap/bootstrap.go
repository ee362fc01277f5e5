// Package bootstrap keeps a client signed in through the session relay. A
// Controller fetches the session on start, holds the short-lived access
// token in memory and renews it shortly before it expires.
package bootstrap

import (
	"net/url"
	"time"

	"github.com/dgellow/sso-relay/internal/session"
)

const (
	// DefaultRefreshBuffer is how long before expiry the access token is renewed
	DefaultRefreshBuffer = 60 * time.Second

	// DefaultMinRefreshDelay stops short-lived tokens from causing a refresh loop
	DefaultMinRefreshDelay = 10 * time.Second

	// DefaultTimeout bounds every relay call
	DefaultTimeout = 10 * time.Second
)

// State is the authentication state of a Controller
type State int

const (
	StateLoading State = iota
	StateAuthenticated
	StateUnauthenticated
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateAuthenticated:
		return "authenticated"
	case StateUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// Snapshot is the identity context consumers read. Loading stays true until
// the first fetch has resolved.
type Snapshot struct {
	State       State
	Identity    *session.Identity
	AccessToken string
	ExpiresAt   time.Time
	Loading     bool
}

// Authenticated reports whether the snapshot carries a usable identity
func (s Snapshot) Authenticated() bool {
	return s.State == StateAuthenticated && s.Identity != nil
}

// RefreshDelay returns how long to wait before renewing a token that expires
// in expiresIn: buffer ahead of expiry, but never sooner than minDelay.
func RefreshDelay(expiresIn, buffer, minDelay time.Duration) time.Duration {
	return max(expiresIn-buffer, minDelay)
}

// LoginURL builds the login surface URL carrying returnTo as the redirect
// target. An empty returnTo yields base unchanged.
func LoginURL(base, returnTo string) string {
	if returnTo == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base + "?redirect=" + url.QueryEscape(returnTo)
	}
	q := u.Query()
	q.Set("redirect", returnTo)
	u.RawQuery = q.Encode()
	return u.String()
}

// Navigator sends the user somewhere else, typically the login surface
type Navigator interface {
	Navigate(target string)
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func(target string)

func (f NavigatorFunc) Navigate(target string) { f(target) }

// Timer is a pending scheduled call
type Timer interface {
	Stop() bool
}

// Clock abstracts time so refresh scheduling can be tested
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
