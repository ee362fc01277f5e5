package idp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/sso-relay/internal/config"
)

func TestNewProvider(t *testing.T) {
	t.Run("supabase", func(t *testing.T) {
		p, err := NewProvider(config.ProviderConfig{
			Type:    config.ProviderTypeSupabase,
			URL:     "https://project.supabase.co",
			AnonKey: "anon",
		})
		require.NoError(t, err)
		assert.IsType(t, &SupabaseProvider{}, p)
	})

	t.Run("supabase with local verification", func(t *testing.T) {
		p, err := NewProvider(config.ProviderConfig{
			Type:      config.ProviderTypeSupabase,
			URL:       "https://project.supabase.co",
			AnonKey:   "anon",
			JWTSecret: config.Secret(testSecret),
		})
		require.NoError(t, err)
		assert.IsType(t, &VerifyingProvider{}, p)
		assert.Equal(t, "supabase", p.Type())
	})

	t.Run("oidc", func(t *testing.T) {
		p, err := NewProvider(config.ProviderConfig{
			Type:        config.ProviderTypeOIDC,
			TokenURL:    "https://idp.example.com/token",
			UserInfoURL: "https://idp.example.com/userinfo",
			ClientID:    "relay",
		})
		require.NoError(t, err)
		assert.Equal(t, "oidc", p.Type())
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := NewProvider(config.ProviderConfig{Type: "saml"})
		assert.ErrorContains(t, err, "unknown provider type")
	})

	t.Run("constructor error", func(t *testing.T) {
		_, err := NewProvider(config.ProviderConfig{Type: config.ProviderTypeSupabase})
		assert.Error(t, err)
	})
}
