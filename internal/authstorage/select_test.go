package authstorage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name        string
		host        string
		wantChunked bool
	}{
		{"subdomain", "hub.example.com", true},
		{"root domain", "example.com", true},
		{"subdomain with port", "core.example.com:8443", true},
		{"mixed case", "Auth.Example.COM", true},
		{"localhost", "localhost:5173", false},
		{"lookalike", "evil-example.com", false},
		{"preview host", "preview.example.app", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := NewLocalStore()
			got := Select(tt.host, "example.com", newMemJar(), local)

			if tt.wantChunked {
				store, ok := got.(*ChunkedStore)
				require.True(t, ok, "expected chunked store, got %T", got)
				assert.Equal(t, ".example.com", store.domain)
				return
			}
			assert.Same(t, local, got)
		})
	}
}

func TestSelectWithoutRootDomain(t *testing.T) {
	local := NewLocalStore()
	assert.Same(t, local, Select("hub.example.com", "", newMemJar(), local))
}

func TestCookieDomain(t *testing.T) {
	assert.Equal(t, ".example.com", CookieDomain("example.com"))
	assert.Equal(t, ".example.com", CookieDomain(".Example.com"))
}

func TestLocalStore(t *testing.T) {
	s := NewLocalStore()

	_, ok := s.GetItem("k")
	assert.False(t, ok)

	s.SetItem("k", "v")
	got, ok := s.GetItem("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	s.RemoveItem("k")
	_, ok = s.GetItem("k")
	assert.False(t, ok)
}

func TestSSOStore(t *testing.T) {
	local := NewLocalStore()
	s := NewSSOStore(local)

	s.SetItem("sb-project-auth-token", "secret")
	s.SetItem("supabase.auth.token", "secret")
	s.SetItem("theme", "dark")

	_, ok := local.GetItem("sb-project-auth-token")
	assert.False(t, ok)
	_, ok = local.GetItem("supabase.auth.token")
	assert.False(t, ok)

	got, ok := s.GetItem("theme")
	require.True(t, ok)
	assert.Equal(t, "dark", got)

	local.SetItem("sb-project-auth-token", "leaked")
	_, ok = s.GetItem("sb-project-auth-token")
	assert.False(t, ok)

	s.RemoveItem("theme")
	_, ok = local.GetItem("theme")
	assert.False(t, ok)
}
