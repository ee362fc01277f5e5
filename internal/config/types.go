package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Version is the config schema version this build understands. Variants
// such as "v1-staging" are accepted.
const Version = "v1"

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// ProviderType selects the identity provider client
type ProviderType string

const (
	ProviderTypeSupabase ProviderType = "supabase"
	ProviderTypeOIDC     ProviderType = "oidc"
)

// ActivityStorage selects where activity events are recorded
type ActivityStorage string

const (
	ActivityStorageNone      ActivityStorage = "none"
	ActivityStorageMemory    ActivityStorage = "memory"
	ActivityStorageFirestore ActivityStorage = "firestore"
)

// CookieConfig configures the durable refresh-token cookie
type CookieConfig struct {
	Name   string        `json:"name"`
	MaxAge time.Duration `json:"maxAge"`
}

// MetricsConfig configures the Prometheus endpoint. When Username is set the
// endpoint requires HTTP basic auth.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Username string `json:"username,omitempty"`

	PasswordRaw json.RawMessage `json:"password,omitempty"`

	// Computed fields
	HashedPassword Secret `json:"-"` // bcrypt hash
}

// RelayConfig represents the relay server configuration with resolved values.
//
// Environment variable references using {"$env": "VAR_NAME"} syntax are
// resolved at config load time. Plain "$VAR" strings are never expanded, so
// values can pass through shells and CI templating untouched.
type RelayConfig struct {
	Addr           string         `json:"addr"`
	RootDomain     string         `json:"rootDomain"`
	AllowedOrigins []string       `json:"allowedOrigins"`
	LoginURL       string         `json:"loginUrl"`
	AppID          string         `json:"appId,omitempty"`
	Cookie         CookieConfig   `json:"cookie"`
	Metrics        *MetricsConfig `json:"metrics,omitempty"`
}

// ProviderConfig represents identity provider configuration with resolved
// values.
type ProviderConfig struct {
	Type    ProviderType  `json:"type"`
	Timeout time.Duration `json:"timeout"`

	// Supabase
	URL       string `json:"url,omitempty"`
	AnonKey   Secret `json:"anonKey,omitempty"`
	JWTSecret Secret `json:"jwtSecret,omitempty"` // enables local access-token verification

	// OIDC
	DiscoveryURL string   `json:"discoveryUrl,omitempty"`
	TokenURL     string   `json:"tokenUrl,omitempty"`
	UserInfoURL  string   `json:"userInfoUrl,omitempty"`
	RevokeURL    string   `json:"revokeUrl,omitempty"`
	ClientID     string   `json:"clientId,omitempty"`
	ClientSecret Secret   `json:"clientSecret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ActivityConfig configures activity event recording
type ActivityConfig struct {
	Storage             ActivityStorage `json:"storage"`
	GCPProject          string          `json:"gcpProject,omitempty"`
	FirestoreDatabase   string          `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string          `json:"firestoreCollection,omitempty"`
}

// Config represents the config structure with resolved values
type Config struct {
	Version  string          `json:"version"`
	Relay    RelayConfig     `json:"relay"`
	Provider ProviderConfig  `json:"provider"`
	Activity *ActivityConfig `json:"activity,omitempty"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR"} reference.
func ParseConfigValue(raw json.RawMessage) (string, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// ParseConfigValueSlice parses a slice that may contain references
func ParseConfigValueSlice(raw []json.RawMessage) ([]string, error) {
	values := make([]string, len(raw))
	for i, item := range raw {
		parsed, err := ParseConfigValue(item)
		if err != nil {
			return nil, fmt.Errorf("parsing item %d: %w", i, err)
		}
		values[i] = parsed
	}
	return values, nil
}
