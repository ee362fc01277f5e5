package authstorage

import (
	"strings"

	"github.com/dgellow/sso-relay/internal/log"
)

// protectedKeyMarkers identify keys holding provider credentials. Those are
// managed through the HttpOnly refresh cookie and must never be mirrored into
// script-readable storage.
var protectedKeyMarkers = []string{"auth-token", "supabase.auth"}

// SSOStore wraps an Adapter and silently refuses to persist credential keys.
type SSOStore struct {
	next Adapter
}

// NewSSOStore wraps next.
func NewSSOStore(next Adapter) *SSOStore {
	return &SSOStore{next: next}
}

// IsProtectedKey reports whether key names a provider credential.
func IsProtectedKey(key string) bool {
	for _, marker := range protectedKeyMarkers {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

func (s *SSOStore) GetItem(key string) (string, bool) {
	if IsProtectedKey(key) {
		return "", false
	}
	return s.next.GetItem(key)
}

func (s *SSOStore) SetItem(key, value string) {
	if IsProtectedKey(key) {
		log.LogTraceWithFields("authstorage", "Refusing to persist credential key", map[string]any{
			"key": key,
		})
		return
	}
	s.next.SetItem(key, value)
}

func (s *SSOStore) RemoveItem(key string) {
	s.next.RemoveItem(key)
}
