package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/sso-relay/internal/activity"
	"github.com/dgellow/sso-relay/internal/cookie"
	"github.com/dgellow/sso-relay/internal/idp"
	"github.com/dgellow/sso-relay/internal/session"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Type() string { return "mock" }

func (m *mockProvider) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*session.Session, error) {
	args := m.Called(refreshToken)
	s, _ := args.Get(0).(*session.Session)
	return s, args.Error(1)
}

func (m *mockProvider) ResolveUser(ctx context.Context, accessToken string) (*session.Identity, error) {
	args := m.Called(accessToken)
	u, _ := args.Get(0).(*session.Identity)
	return u, args.Error(1)
}

func (m *mockProvider) SignOut(ctx context.Context, accessToken string) error {
	return m.Called(accessToken).Error(0)
}

var (
	testNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testUser = &session.Identity{ID: "user-1", Email: "ada@example.com"}
)

func newTestRelay(t *testing.T, provider idp.Provider, opts ...RelayOption) *RelayHandlers {
	t.Helper()
	opts = append([]RelayOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewRelayHandlers(provider, cookie.NewRefresh("", ".example.com", 0), opts...)
}

func refreshCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, c := range rr.Result().Cookies() {
		if c.Name == cookie.RefreshCookie {
			return c
		}
	}
	return nil
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestIssue(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		setup        func(p *mockProvider)
		expectStatus int
		expectBody   string
		expectCookie bool
	}{
		{
			name: "valid session",
			body: `{"refresh_token":"rt-1","access_token":"at-1"}`,
			setup: func(p *mockProvider) {
				p.On("ResolveUser", "at-1").Return(testUser, nil)
			},
			expectStatus: http.StatusOK,
			expectBody:   `{"success":true,"user_id":"user-1"}`,
			expectCookie: true,
		},
		{
			name: "camelCase fields",
			body: `{"refreshToken":"rt-1","accessToken":"at-1"}`,
			setup: func(p *mockProvider) {
				p.On("ResolveUser", "at-1").Return(testUser, nil)
			},
			expectStatus: http.StatusOK,
			expectBody:   `{"success":true,"user_id":"user-1"}`,
			expectCookie: true,
		},
		{
			name:         "malformed json",
			body:         `{"refresh_token":`,
			expectStatus: http.StatusBadRequest,
			expectBody:   `{"error":"Invalid JSON body"}`,
		},
		{
			name:         "empty body",
			body:         ``,
			expectStatus: http.StatusBadRequest,
			expectBody:   `{"error":"Invalid JSON body"}`,
		},
		{
			name:         "missing refresh token",
			body:         `{"access_token":"at-1"}`,
			expectStatus: http.StatusBadRequest,
			expectBody:   `{"error":"Missing refresh_token"}`,
		},
		{
			name:         "missing access token",
			body:         `{"refresh_token":"rt-1"}`,
			expectStatus: http.StatusUnauthorized,
			expectBody:   `{"error":"Invalid session"}`,
		},
		{
			name: "access token rejected",
			body: `{"refresh_token":"rt-1","access_token":"forged"}`,
			setup: func(p *mockProvider) {
				p.On("ResolveUser", "forged").Return(nil, fmt.Errorf("bad token: %w", idp.ErrRejected))
			},
			expectStatus: http.StatusUnauthorized,
			expectBody:   `{"error":"Invalid session"}`,
		},
		{
			name: "provider unavailable",
			body: `{"refresh_token":"rt-1","access_token":"at-1"}`,
			setup: func(p *mockProvider) {
				p.On("ResolveUser", "at-1").Return(nil, errors.New("dial tcp: connection refused"))
			},
			expectStatus: http.StatusInternalServerError,
			expectBody:   `{"error":"Internal server error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockProvider{}
			if tt.setup != nil {
				tt.setup(provider)
			}
			h := newTestRelay(t, provider)

			req := httptest.NewRequest(http.MethodPost, session.IssuePath, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			h.Issue(rr, req)

			assert.Equal(t, tt.expectStatus, rr.Code)
			assert.JSONEq(t, tt.expectBody, rr.Body.String())

			c := refreshCookie(t, rr)
			if !tt.expectCookie {
				assert.Nil(t, c)
				return
			}
			require.NotNil(t, c)
			assert.Equal(t, "rt-1", c.Value)
			assert.True(t, c.HttpOnly)
			assert.True(t, c.Secure)
			assert.Equal(t, "example.com", c.Domain)
			assert.Equal(t, "/", c.Path)
			assert.Equal(t, 604800, c.MaxAge)
			assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
			provider.AssertExpectations(t)
		})
	}
}

func TestFetch(t *testing.T) {
	t.Run("no cookie", func(t *testing.T) {
		provider := &mockProvider{}
		h := newTestRelay(t, provider)

		rr := httptest.NewRecorder()
		h.Fetch(rr, httptest.NewRequest(http.MethodPost, session.FetchPath, nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"session":null,"user":null}`, rr.Body.String())
		assert.Nil(t, refreshCookie(t, rr))
		provider.AssertNotCalled(t, "ExchangeRefreshToken", mock.Anything)
	})

	t.Run("rotates cookie and derives expires_at", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("ExchangeRefreshToken", "rt-old").Return(&session.Session{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    3600,
			User:         testUser,
		}, nil)
		h := newTestRelay(t, provider)

		req := httptest.NewRequest(http.MethodPost, session.FetchPath, nil)
		req.AddCookie(&http.Cookie{Name: cookie.RefreshCookie, Value: "rt-old"})
		rr := httptest.NewRecorder()
		h.Fetch(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		body := decodeBody(t, rr)
		assert.Equal(t, "at-new", body["access_token"])
		assert.EqualValues(t, testNow.Unix()+3600, body["expires_at"])
		assert.EqualValues(t, 3600, body["expires_in"])
		user, ok := body["user"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "user-1", user["id"])
		assert.NotContains(t, rr.Body.String(), "rt-new")

		c := refreshCookie(t, rr)
		require.NotNil(t, c)
		assert.Equal(t, "rt-new", c.Value)
		assert.Equal(t, 604800, c.MaxAge)
	})

	t.Run("provider expiry kept", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("ExchangeRefreshToken", "rt-old").Return(&session.Session{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    3600,
			ExpiresAt:    1700000000,
			User:         testUser,
		}, nil)
		h := newTestRelay(t, provider)

		req := httptest.NewRequest(http.MethodPost, session.FetchPath, nil)
		req.AddCookie(&http.Cookie{Name: cookie.RefreshCookie, Value: "rt-old"})
		rr := httptest.NewRecorder()
		h.Fetch(rr, req)

		assert.EqualValues(t, 1700000000, decodeBody(t, rr)["expires_at"])
	})

	t.Run("rejected token clears cookie", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("ExchangeRefreshToken", "rt-reused").Return(nil, fmt.Errorf("refresh: %w", idp.ErrRejected))
		h := newTestRelay(t, provider)

		req := httptest.NewRequest(http.MethodPost, session.FetchPath, nil)
		req.AddCookie(&http.Cookie{Name: cookie.RefreshCookie, Value: "rt-reused"})
		rr := httptest.NewRecorder()
		h.Fetch(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"session":null,"user":null,"error":"Session expired"}`, rr.Body.String())
		assert.Contains(t, rr.Header().Get("Set-Cookie"), "Max-Age=0")
		c := refreshCookie(t, rr)
		require.NotNil(t, c)
		assert.Empty(t, c.Value)
		assert.Equal(t, "example.com", c.Domain)
	})

	t.Run("upstream failure keeps cookie", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("ExchangeRefreshToken", "rt-old").Return(nil, errors.New("provider returned 503"))
		h := newTestRelay(t, provider)

		req := httptest.NewRequest(http.MethodPost, session.FetchPath, nil)
		req.AddCookie(&http.Cookie{Name: cookie.RefreshCookie, Value: "rt-old"})
		rr := httptest.NewRecorder()
		h.Fetch(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"session":null,"user":null}`, rr.Body.String())
		assert.Empty(t, rr.Header().Values("Set-Cookie"))
	})
}

func TestFetch_CoalescesConcurrentRefresh(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	provider := &mockProvider{}
	provider.On("ExchangeRefreshToken", "rt-shared").
		Run(func(mock.Arguments) {
			close(entered)
			<-release
		}).
		Return(&session.Session{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 3600, User: testUser}, nil).
		Once()

	metrics := NewMetrics()
	h := newTestRelay(t, provider, WithMetrics(metrics))

	const tabs = 3
	recorders := make([]*httptest.ResponseRecorder, tabs)
	var wg sync.WaitGroup
	for i := range tabs {
		recorders[i] = httptest.NewRecorder()
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, session.FetchPath, nil)
			req.AddCookie(&http.Cookie{Name: cookie.RefreshCookie, Value: "rt-shared"})
			h.Fetch(recorders[i], req)
		}()
		if i == 0 {
			<-entered
		}
	}
	// Give the other tabs time to join the in-flight refresh
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, rr := range recorders {
		assert.Equal(t, "at-new", decodeBody(t, rr)["access_token"])
		c := refreshCookie(t, rr)
		require.NotNil(t, c)
		assert.Equal(t, "rt-new", c.Value)
	}
	provider.AssertNumberOfCalls(t, "ExchangeRefreshToken", 1)
}

func TestClear(t *testing.T) {
	t.Run("always succeeds", func(t *testing.T) {
		h := newTestRelay(t, &mockProvider{})

		rr := httptest.NewRecorder()
		h.Clear(rr, httptest.NewRequest(http.MethodPost, session.ClearPath, nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"success":true}`, rr.Body.String())
		assert.Contains(t, rr.Header().Get("Set-Cookie"), "Max-Age=0")
		c := refreshCookie(t, rr)
		require.NotNil(t, c)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, "/", c.Path)
	})

	t.Run("bad bearer still succeeds", func(t *testing.T) {
		provider := &mockProvider{}
		provider.On("ResolveUser", "stale").Return(nil, fmt.Errorf("expired: %w", idp.ErrRejected))
		sink := activity.NewMemorySink(10)
		rec := activity.NewRecorder(sink, 10)
		rec.Start(context.Background())
		h := newTestRelay(t, provider, WithActivity(rec))

		req := httptest.NewRequest(http.MethodPost, session.ClearPath, nil)
		req.Header.Set("Authorization", "Bearer stale")
		rr := httptest.NewRecorder()
		h.Clear(rr, req)
		rec.Stop()

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"success":true}`, rr.Body.String())
		assert.Equal(t, 1, sink.Len())
	})
}

func TestActivityRecording(t *testing.T) {
	provider := &mockProvider{}
	provider.On("ResolveUser", "at-1").Return(testUser, nil)

	sink := activity.NewMemorySink(10)
	rec := activity.NewRecorder(sink, 10)
	rec.Start(context.Background())
	h := newTestRelay(t, provider, WithActivity(rec), WithAppID("dashboard"))

	issueReq := httptest.NewRequest(http.MethodPost, session.IssuePath, strings.NewReader(`{"refresh_token":"rt-1","access_token":"at-1"}`))
	h.Issue(httptest.NewRecorder(), issueReq)

	clearReq := httptest.NewRequest(http.MethodPost, session.ClearPath, nil)
	clearReq.Header.Set("Authorization", "Bearer at-1")
	h.Clear(httptest.NewRecorder(), clearReq)
	rec.Stop()

	events, err := sink.Recent(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	types := []activity.EventType{events[0].Type, events[1].Type}
	assert.ElementsMatch(t, []activity.EventType{activity.EventLogin, activity.EventLogout}, types)
	for _, e := range events {
		assert.Equal(t, "dashboard", e.AppID)
		assert.Equal(t, "ada@example.com", e.UserEmail)
		assert.NotEmpty(t, e.ID)
	}
}
