package authstorage

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dgellow/sso-relay/internal/cookie"
	"github.com/dgellow/sso-relay/internal/log"
)

const (
	// DefaultChunkSize keeps each cookie well below the common 4096-byte
	// per-cookie limit once name and attributes are added.
	DefaultChunkSize = 3000

	// DefaultMaxAge is the lifetime of chunk cookies.
	DefaultMaxAge = 7 * 24 * time.Hour

	chunkInfix = ".chunks."
)

// ChunkedStore persists values in cookies, splitting each percent-encoded
// value across cookies named "<key>.chunks.<n>". Chunk indices are contiguous
// from zero; a missing chunk 0 means the key is unset.
//
// Chunk cookies are script-readable (no HttpOnly) so the same values can be
// read by client code on every subdomain.
type ChunkedStore struct {
	jar       Jar
	domain    string
	maxAge    time.Duration
	chunkSize int
	secure    bool
}

// Option configures a ChunkedStore
type Option func(*ChunkedStore)

// WithDomain scopes chunk cookies to domain, e.g. ".example.com".
func WithDomain(domain string) Option {
	return func(s *ChunkedStore) {
		s.domain = domain
	}
}

// WithMaxAge sets the lifetime of chunk cookies.
func WithMaxAge(maxAge time.Duration) Option {
	return func(s *ChunkedStore) {
		if maxAge > 0 {
			s.maxAge = maxAge
		}
	}
}

// WithChunkSize sets the maximum encoded length of a single chunk.
func WithChunkSize(size int) Option {
	return func(s *ChunkedStore) {
		// At least one full escape sequence must fit
		if size >= 3 {
			s.chunkSize = size
		}
	}
}

// WithSecure toggles the Secure attribute.
func WithSecure(secure bool) Option {
	return func(s *ChunkedStore) {
		s.secure = secure
	}
}

// NewChunkedStore creates a chunked cookie store over jar.
func NewChunkedStore(jar Jar, opts ...Option) *ChunkedStore {
	s := &ChunkedStore{
		jar:       jar,
		maxAge:    DefaultMaxAge,
		chunkSize: DefaultChunkSize,
		secure:    true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ChunkName returns the cookie name of chunk index of key.
func ChunkName(key string, index int) string {
	return key + chunkInfix + strconv.Itoa(index)
}

// GetItem reassembles the value stored under key. When no chunks exist it
// falls back to a single unchunked cookie named exactly key.
func (s *ChunkedStore) GetItem(key string) (string, bool) {
	values := make(map[string]string)
	for _, c := range s.jar.Cookies() {
		// First occurrence wins, as with duplicate names in a Cookie header
		if _, seen := values[c.Name]; !seen {
			values[c.Name] = c.Value
		}
	}

	var encoded strings.Builder
	chunks := 0
	for {
		v := values[ChunkName(key, chunks)]
		if v == "" {
			break
		}
		encoded.WriteString(v)
		chunks++
	}

	if chunks == 0 {
		single, ok := values[key]
		if !ok || single == "" {
			return "", false
		}
		encoded.WriteString(single)
	}

	value, err := url.PathUnescape(encoded.String())
	if err != nil {
		log.LogWarnWithFields("authstorage", "Discarding undecodable cookie value", map[string]any{
			"key":    key,
			"chunks": chunks,
			"error":  err.Error(),
		})
		return "", false
	}
	return value, true
}

// SetItem replaces the value stored under key. Existing chunks are always
// removed first so a shorter value never leaves stale trailing chunks.
func (s *ChunkedStore) SetItem(key, value string) {
	s.RemoveItem(key)

	chunks := splitEncoded(cookie.EncodeURIComponent(value), s.chunkSize)
	for i, chunk := range chunks {
		s.jar.SetCookie(s.cookie(ChunkName(key, i), chunk, int(s.maxAge.Seconds())))
	}

	log.LogTraceWithFields("authstorage", "Stored chunked value", map[string]any{
		"key":    key,
		"chunks": len(chunks),
		"domain": s.domain,
	})
}

// RemoveItem deletes the unchunked cookie and every chunk cookie for key.
func (s *ChunkedStore) RemoveItem(key string) {
	for _, c := range s.jar.Cookies() {
		if isKeyCookie(c.Name, key) {
			s.jar.SetCookie(s.cookie(c.Name, "", -1))
		}
	}
}

func (s *ChunkedStore) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   s.domain,
		MaxAge:   maxAge,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// isKeyCookie reports whether name is key itself or one of its chunks.
func isKeyCookie(name, key string) bool {
	if name == key {
		return true
	}
	index, ok := strings.CutPrefix(name, key+chunkInfix)
	if !ok || index == "" {
		return false
	}
	_, err := strconv.Atoi(index)
	return err == nil
}

// splitEncoded cuts a percent-encoded string into pieces of at most size
// bytes without splitting a %XX escape across two pieces.
func splitEncoded(encoded string, size int) []string {
	var chunks []string
	for len(encoded) > 0 {
		end := min(size, len(encoded))
		if end < len(encoded) {
			if encoded[end-1] == '%' {
				end--
			} else if end >= 2 && encoded[end-2] == '%' {
				end -= 2
			}
		}
		chunks = append(chunks, encoded[:end])
		encoded = encoded[end:]
	}
	return chunks
}
