package cookie

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dgellow/sso-relay/internal/envutil"
	"github.com/dgellow/sso-relay/internal/log"
)

const (
	// RefreshCookie is the default name of the durable refresh-token cookie
	RefreshCookie = "sb-refresh-token"

	// RefreshMaxAge is how long the refresh cookie lives in the browser
	RefreshMaxAge = 7 * 24 * time.Hour
)

// Refresh issues, reads and clears the HttpOnly refresh-token cookie shared by
// every application under one root domain.
type Refresh struct {
	name   string
	domain string
	maxAge time.Duration
}

// NewRefresh creates a refresh cookie manager. An empty name selects
// RefreshCookie; domain is the Domain attribute, e.g. ".example.com".
func NewRefresh(name, domain string, maxAge time.Duration) *Refresh {
	if name == "" {
		name = RefreshCookie
	}
	if maxAge <= 0 {
		maxAge = RefreshMaxAge
	}
	return &Refresh{name: name, domain: domain, maxAge: maxAge}
}

// Name returns the cookie name
func (c *Refresh) Name() string {
	return c.name
}

// Set writes the refresh token cookie. The token is percent-encoded so bytes
// that are invalid in cookie values survive the round trip.
func (c *Refresh) Set(w http.ResponseWriter, token string) {
	secure := !envutil.IsDev()
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    EncodeURIComponent(token),
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.maxAge.Seconds()),
	})

	log.LogTraceWithFields("cookie", "Refresh cookie set", map[string]any{
		"name":     c.name,
		"domain":   c.domain,
		"maxAge":   c.maxAge.String(),
		"secure":   secure,
		"sameSite": "Lax",
	})
}

// Clear expires the refresh cookie. Domain and path must match the issued
// cookie or the browser keeps it.
func (c *Refresh) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   !envutil.IsDev(),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	log.LogTraceWithFields("cookie", "Refresh cookie cleared", map[string]any{
		"name":   c.name,
		"domain": c.domain,
	})
}

// Get returns the decoded refresh token sent with the request, or "" when
// absent. A value that is not valid percent-encoding is returned as sent.
func (c *Refresh) Get(r *http.Request) string {
	v, err := Get(r, c.name)
	if err != nil {
		return ""
	}
	decoded, err := url.PathUnescape(v)
	if err != nil {
		log.LogDebugWithFields("cookie", "Refresh cookie is not percent-encoded", map[string]any{
			"name": c.name,
		})
		return v
	}
	return decoded
}

// Get retrieves a cookie value from the request
func Get(r *http.Request, name string) (string, error) {
	cookie, err := r.Cookie(name)
	if err != nil {
		return "", err
	}
	return cookie.Value, nil
}
