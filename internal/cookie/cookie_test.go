package cookie

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dgellow/sso-relay/internal/envutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshSet(t *testing.T) {
	t.Setenv(envutil.EnvVar, "production")

	w := httptest.NewRecorder()
	NewRefresh("", ".example.com", 0).Set(w, "rt-1")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, RefreshCookie, c.Name)
	assert.Equal(t, "rt-1", c.Value)
	assert.Equal(t, "example.com", c.Domain)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 604800, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
}

func TestRefreshSetInDevelopment(t *testing.T) {
	t.Setenv(envutil.EnvVar, "development")

	w := httptest.NewRecorder()
	NewRefresh("custom", "", time.Hour).Set(w, "rt")

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "custom", cookies[0].Name)
	assert.Equal(t, 3600, cookies[0].MaxAge)
	assert.False(t, cookies[0].Secure)
}

func TestRefreshClear(t *testing.T) {
	w := httptest.NewRecorder()
	NewRefresh("", ".example.com", 0).Clear(w)

	header := w.Header().Get("Set-Cookie")
	assert.Contains(t, header, RefreshCookie+"=;")
	assert.Contains(t, header, "Max-Age=0")
	assert.Contains(t, header, "Domain=example.com")
	assert.Contains(t, header, "Path=/")
	assert.Contains(t, header, "HttpOnly")
}

func TestRefreshGet(t *testing.T) {
	c := NewRefresh("", "", 0)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	assert.Empty(t, c.Get(r))

	r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "rt-2"})
	assert.Equal(t, "rt-2", c.Get(r))
}

func TestRefreshRoundTripsUnsafeBytes(t *testing.T) {
	c := NewRefresh("", ".example.com", 0)
	token := `v1;a="b"\c d+e%`

	w := httptest.NewRecorder()
	c.Set(w, token)

	header := w.Header().Get("Set-Cookie")
	assert.Contains(t, header, RefreshCookie+"=v1%3Ba%3D%22b%22%5Cc%20d%2Be%25;")

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	for _, sent := range w.Result().Cookies() {
		r.AddCookie(sent)
	}
	assert.Equal(t, token, c.Get(r))
}

func TestRefreshGetDecodesEdgeIssuedCookie(t *testing.T) {
	c := NewRefresh("", "", 0)

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: "abc%2Fdef%3D%3D"})
	assert.Equal(t, "abc/def==", c.Get(r))

	r = httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("Cookie", RefreshCookie+"=bad%zz")
	assert.Equal(t, "bad%zz", c.Get(r))
}

func TestEncodeURIComponent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcXYZ019", "abcXYZ019"},
		{"-_.!~*'()", "-_.!~*'()"},
		{"a b", "a%20b"},
		{"a;b,c=d", "a%3Bb%2Cc%3Dd"},
		{`{"k":"v"}`, "%7B%22k%22%3A%22v%22%7D"},
		{"é", "%C3%A9"},
		{"100%", "100%25"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeURIComponent(tt.in))
		})
	}
}
