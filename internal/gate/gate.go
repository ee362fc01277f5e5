// Package gate decides what a protected view shows for an identity context.
package gate

import (
	"net/http"

	"github.com/dgellow/sso-relay/internal/activity"
	"github.com/dgellow/sso-relay/internal/bootstrap"
	"github.com/dgellow/sso-relay/internal/log"
)

// Decision is what a protected view renders
type Decision int

const (
	ShowLoading Decision = iota
	ShowContent
	Redirect
)

func (d Decision) String() string {
	switch d {
	case ShowLoading:
		return "loading"
	case ShowContent:
		return "content"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decide gates a protected view. Loading is checked before identity so
// protected content never shows before the session has resolved.
func Decide(snap bootstrap.Snapshot, devMode bool) Decision {
	switch {
	case snap.Loading || snap.State == bootstrap.StateLoading:
		return ShowLoading
	case snap.Identity != nil:
		return ShowContent
	case !devMode:
		return Redirect
	default:
		return ShowContent
	}
}

// LoginURL builds the login URL carrying returnTo as the redirect target
func LoginURL(base, returnTo string) string {
	return bootstrap.LoginURL(base, returnTo)
}

// SnapshotSource provides the current identity context
type SnapshotSource interface {
	Snapshot() bootstrap.Snapshot
	DevMode() bool
}

// LoadingMessage is the placeholder body served while the session resolves
const LoadingMessage = "Authenticating..."

type options struct {
	recorder *activity.Recorder
	appID    string
	scheme   string
}

// Option configures Middleware
type Option func(*options)

// WithPageViews records a page_view activity event for every protected page
// served to an identified user.
func WithPageViews(rec *activity.Recorder, appID string) Option {
	return func(o *options) {
		o.recorder = rec
		o.appID = appID
	}
}

// WithScheme sets the scheme used to rebuild the return URL. Defaults to
// https unless X-Forwarded-Proto says http.
func WithScheme(scheme string) Option {
	return func(o *options) { o.scheme = scheme }
}

// Middleware guards next with the identity context of src. Unauthenticated
// visitors outside development mode are redirected to loginURL with the
// requested URL as return target.
func Middleware(src SnapshotSource, loginURL string, opts ...Option) func(http.Handler) http.Handler {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap := src.Snapshot()
			switch Decide(snap, src.DevMode()) {
			case ShowLoading:
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(LoadingMessage))
			case Redirect:
				target := LoginURL(loginURL, o.requestURL(r))
				log.LogDebugWithFields("gate", "Redirecting to login", map[string]any{
					"path": r.URL.Path,
				})
				http.Redirect(w, r, target, http.StatusFound)
			default:
				if snap.Identity != nil && o.recorder != nil {
					o.recorder.Record(activity.Event{
						Type:      activity.EventPageView,
						UserID:    snap.Identity.ID,
						UserEmail: snap.Identity.Email,
						AppID:     o.appID,
						Data:      map[string]any{"path": r.URL.Path},
					})
				}
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (o *options) requestURL(r *http.Request) string {
	scheme := o.scheme
	if scheme == "" {
		scheme = "https"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
