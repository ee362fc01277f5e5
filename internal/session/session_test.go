package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueRequest_Aliases(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantRefresh string
		wantAccess  string
	}{
		{"snake case", `{"refresh_token":"r","access_token":"a"}`, "r", "a"},
		{"camel case", `{"refreshToken":"r","accessToken":"a"}`, "r", "a"},
		{"snake wins", `{"refresh_token":"r1","refreshToken":"r2"}`, "r1", ""},
		{"empty", `{}`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req IssueRequest
			require.NoError(t, json.Unmarshal([]byte(tt.body), &req))
			assert.Equal(t, tt.wantRefresh, req.RefreshToken)
			assert.Equal(t, tt.wantAccess, req.AccessToken)
		})
	}
}

func TestSessionNormalize(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	s := &Session{ExpiresIn: 3600}
	s.Normalize(now)
	assert.Equal(t, int64(1_700_003_600), s.ExpiresAt)

	s = &Session{ExpiresIn: 3600, ExpiresAt: 42}
	s.Normalize(now)
	assert.Equal(t, int64(42), s.ExpiresAt)
}

func TestSessionRecordOmitsRefreshToken(t *testing.T) {
	s := &Session{
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresIn:    3600,
		ExpiresAt:    100,
		User:         &Identity{ID: "u1", Email: "u@example.com"},
	}

	data, err := json.Marshal(s.Record())
	require.NoError(t, err)

	assert.JSONEq(t, `{"access_token":"at","expires_at":100,"expires_in":3600,"user":{"id":"u1","email":"u@example.com"}}`, string(data))
	assert.NotContains(t, string(data), "rt")
}

func TestNoSessionEncoding(t *testing.T) {
	data, err := json.Marshal(NoSession{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session":null,"user":null}`, string(data))

	data, err = json.Marshal(NoSession{Error: "Session expired"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"session":null,"user":null,"error":"Session expired"}`, string(data))
}

func TestFetchResponseHasSession(t *testing.T) {
	var r FetchResponse
	require.NoError(t, json.Unmarshal([]byte(`{"session":null,"user":null}`), &r))
	assert.False(t, r.HasSession())

	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"a","expires_in":60,"user":{"id":"u"}}`), &r))
	assert.True(t, r.HasSession())
}

func TestIdentityDisplayName(t *testing.T) {
	var nilIdentity *Identity
	assert.Empty(t, nilIdentity.DisplayName())
	assert.Equal(t, "a@example.com", (&Identity{Email: "a@example.com"}).DisplayName())
	assert.Equal(t, "Ada", (&Identity{Email: "a@example.com", UserMetadata: map[string]any{"full_name": "Ada"}}).DisplayName())
}
