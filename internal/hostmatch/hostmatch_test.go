package hostmatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnderDomain(t *testing.T) {
	tests := []struct {
		name string
		host string
		root string
		want bool
	}{
		{"bare root", "example.com", "example.com", true},
		{"subdomain", "hub.example.com", "example.com", true},
		{"leading dot root", "core.example.com", ".example.com", true},
		{"deep subdomain", "a.b.example.com", "example.com", true},
		{"port stripped", "hub.example.com:8080", "example.com", true},
		{"trailing dot", "hub.example.com.", "example.com", true},
		{"suffix trick", "evilexample.com", "example.com", false},
		{"unrelated", "localhost", "example.com", false},
		{"preview host", "app.preview.dev", "example.com", false},
		{"empty host", "", "example.com", false},
		{"empty root", "hub.example.com", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UnderDomain(tt.host, tt.root))
		})
	}
}

func TestOriginHost(t *testing.T) {
	assert.Equal(t, "hub.example.com", OriginHost("https://hub.example.com"))
	assert.Equal(t, "hub.example.com", OriginHost("https://HUB.example.com:8443"))
	assert.Equal(t, "", OriginHost("not a url"))
	assert.Equal(t, "", OriginHost(""))
}
