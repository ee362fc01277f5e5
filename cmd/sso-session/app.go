package main

import (
	"net/http"

	"github.com/dgellow/sso-relay/internal/activity"
	"github.com/dgellow/sso-relay/internal/authstorage"
	"github.com/dgellow/sso-relay/internal/gate"
	"github.com/dgellow/sso-relay/internal/idp"
	jsonwriter "github.com/dgellow/sso-relay/internal/json"
	"github.com/dgellow/sso-relay/internal/log"
	"github.com/dgellow/sso-relay/internal/session"
)

const (
	appID        = "sso-session"
	recentEvents = 10
)

type appOptions struct {
	loginURL   string
	rootDomain string
	scheme     string
	recorder   *activity.Recorder
	sink       activity.Sink
}

type appPage struct {
	Session snapshotOutput   `json:"session"`
	Hint    *idp.SessionHint `json:"hint,omitempty"`
	Recent  []activity.Event `json:"recent,omitempty"`
}

// newAppHandler serves a protected page showing the identity context of src.
// The browser's session hint is read from and written to the request's own
// cookies, so it is shared with every app on the root domain.
func newAppHandler(src gate.SnapshotSource, opts appOptions) http.Handler {
	local := authstorage.NewLocalStore()

	page := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := src.Snapshot()
		store := authstorage.NewSSOStore(authstorage.Select(
			r.Host,
			opts.rootDomain,
			authstorage.NewExchangeJar(w, r),
			local,
			authstorage.WithSecure(opts.scheme == "https"),
		))
		client := idp.NewClient(store)

		hint, ok := client.Hint()
		if !ok && snap.Identity != nil {
			s := &session.Session{User: snap.Identity}
			if !snap.ExpiresAt.IsZero() {
				s.ExpiresAt = snap.ExpiresAt.Unix()
			}
			client.SetSession(s)
			hint, _ = client.Hint()
		}

		out := appPage{Session: snapshotOf(snap, src.DevMode()), Hint: hint}
		if opts.sink != nil && snap.Identity != nil {
			recent, err := opts.sink.Recent(r.Context(), snap.Identity.ID, recentEvents)
			if err != nil {
				log.LogWarnWithFields("sso-session", "Failed to list recent activity", map[string]any{
					"error": err.Error(),
				})
			}
			out.Recent = recent
		}

		w.Header().Set("Cache-Control", "no-store")
		_ = jsonwriter.Write(w, out)
	})

	return gate.Middleware(src, opts.loginURL,
		gate.WithScheme(opts.scheme),
		gate.WithPageViews(opts.recorder, appID),
	)(page)
}
