package authstorage

import (
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Jar is the ambient cookie jar the chunked store reads and writes. It is the
// only source of truth; nothing above it caches cookie values.
type Jar interface {
	Cookies() []*http.Cookie
	SetCookie(c *http.Cookie)
}

// ExchangeJar is the cookie view of a single HTTP exchange. It starts from the
// cookies sent with the request; every write is emitted as a Set-Cookie header
// and applied to the view, so reads after writes within the same exchange see
// the new state.
type ExchangeJar struct {
	w       http.ResponseWriter
	mu      sync.Mutex
	cookies []*http.Cookie
}

// NewExchangeJar creates a jar over the request's cookies that writes to w.
func NewExchangeJar(w http.ResponseWriter, r *http.Request) *ExchangeJar {
	return &ExchangeJar{
		w:       w,
		cookies: r.Cookies(),
	}
}

// Cookies returns the cookies currently visible in the exchange.
func (j *ExchangeJar) Cookies() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]*http.Cookie, len(j.cookies))
	copy(out, j.cookies)
	return out
}

// SetCookie emits c on the response and applies it to the jar's view.
func (j *ExchangeJar) SetCookie(c *http.Cookie) {
	http.SetCookie(j.w, c)

	j.mu.Lock()
	defer j.mu.Unlock()

	kept := j.cookies[:0]
	for _, existing := range j.cookies {
		if existing.Name != c.Name {
			kept = append(kept, existing)
		}
	}
	j.cookies = kept

	if !isExpiry(c) {
		j.cookies = append(j.cookies, &http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// ClientJar adapts an http.CookieJar to Jar for a single origin, letting Go
// clients share the cookie state their HTTP client sends.
type ClientJar struct {
	jar http.CookieJar
	u   *url.URL
}

// NewClientJar creates a jar view of cookies that jar holds for u.
func NewClientJar(jar http.CookieJar, u *url.URL) *ClientJar {
	return &ClientJar{jar: jar, u: u}
}

func (j *ClientJar) Cookies() []*http.Cookie {
	return j.jar.Cookies(j.u)
}

func (j *ClientJar) SetCookie(c *http.Cookie) {
	j.jar.SetCookies(j.u, []*http.Cookie{c})
}

// isExpiry reports whether c deletes the cookie it names.
func isExpiry(c *http.Cookie) bool {
	if c.MaxAge < 0 {
		return true
	}
	return !c.Expires.IsZero() && !c.Expires.After(time.Now())
}
