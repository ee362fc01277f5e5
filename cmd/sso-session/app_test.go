package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/sso-relay/internal/activity"
	"github.com/dgellow/sso-relay/internal/bootstrap"
	"github.com/dgellow/sso-relay/internal/gate"
	"github.com/dgellow/sso-relay/internal/idp"
	"github.com/dgellow/sso-relay/internal/session"
)

type staticSource struct {
	snap bootstrap.Snapshot
	dev  bool
}

func (s staticSource) Snapshot() bootstrap.Snapshot { return s.snap }
func (s staticSource) DevMode() bool                { return s.dev }

func testAppOptions() appOptions {
	return appOptions{
		loginURL:   "https://auth.example.com/login",
		rootDomain: "example.com",
		scheme:     "https",
	}
}

func TestAppHandler(t *testing.T) {
	user := &session.Identity{ID: "user-1", Email: "ada@example.com"}
	expiresAt := time.Unix(1_700_000_000, 0)
	authenticated := staticSource{snap: bootstrap.Snapshot{
		State:       bootstrap.StateAuthenticated,
		Identity:    user,
		AccessToken: "at-1",
		ExpiresAt:   expiresAt,
	}}

	t.Run("loading placeholder", func(t *testing.T) {
		src := staticSource{snap: bootstrap.Snapshot{State: bootstrap.StateLoading, Loading: true}}
		rr := httptest.NewRecorder()
		newAppHandler(src, testAppOptions()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, gate.LoadingMessage, rr.Body.String())
	})

	t.Run("unauthenticated redirects to login", func(t *testing.T) {
		src := staticSource{snap: bootstrap.Snapshot{State: bootstrap.StateUnauthenticated}}
		opts := testAppOptions()
		opts.scheme = "http"
		req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
		req.Host = "app.example.com"
		rr := httptest.NewRecorder()
		newAppHandler(src, opts).ServeHTTP(rr, req)

		assert.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t,
			"https://auth.example.com/login?redirect=http%3A%2F%2Fapp.example.com%2Fdashboard",
			rr.Header().Get("Location"))
	})

	t.Run("authenticated writes shared hint cookie", func(t *testing.T) {
		rr := httptest.NewRecorder()
		newAppHandler(authenticated, testAppOptions()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))

		var page appPage
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
		assert.Equal(t, "authenticated", page.Session.State)
		assert.Equal(t, "user-1", page.Session.UserID)
		assert.True(t, page.Session.HasToken)
		require.NotNil(t, page.Hint)
		assert.Equal(t, idp.SessionHint{UserID: "user-1", Email: "ada@example.com", ExpiresAt: expiresAt.Unix()}, *page.Hint)

		cookies := rr.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, idp.DefaultSessionKey, cookies[0].Name)
		assert.Equal(t, "example.com", cookies[0].Domain)
		assert.True(t, cookies[0].Secure)
		assert.NotContains(t, cookies[0].Value, "at-1")
	})

	t.Run("existing hint cookie is read not rewritten", func(t *testing.T) {
		first := httptest.NewRecorder()
		newAppHandler(authenticated, testAppOptions()).ServeHTTP(first, httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil))
		cookies := first.Result().Cookies()
		require.NotEmpty(t, cookies)

		req := httptest.NewRequest(http.MethodGet, "https://docs.example.com/", nil)
		for _, c := range cookies {
			req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
		rr := httptest.NewRecorder()
		newAppHandler(authenticated, testAppOptions()).ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Result().Cookies())

		var page appPage
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
		require.NotNil(t, page.Hint)
		assert.Equal(t, "user-1", page.Hint.UserID)
	})

	t.Run("host outside root domain keeps hint local", func(t *testing.T) {
		rr := httptest.NewRecorder()
		newAppHandler(authenticated, testAppOptions()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "http://localhost:5173/", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Empty(t, rr.Result().Cookies())
	})

	t.Run("page views recorded and listed", func(t *testing.T) {
		sink := activity.NewMemorySink(10)
		rec := activity.NewRecorder(sink, 10)
		rec.Start(context.Background())
		defer rec.Stop()

		opts := testAppOptions()
		opts.recorder = rec
		opts.sink = sink
		handler := newAppHandler(authenticated, opts)

		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "https://app.example.com/apps", nil))
		assert.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, 10*time.Millisecond)

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "https://app.example.com/", nil))

		var page appPage
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
		require.NotEmpty(t, page.Recent)
		assert.Equal(t, activity.EventPageView, page.Recent[len(page.Recent)-1].Type)
		assert.Equal(t, appID, page.Recent[len(page.Recent)-1].AppID)
	})
}
