package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dgellow/sso-relay/internal/cookie"
	"github.com/dgellow/sso-relay/internal/hostmatch"
	"github.com/dgellow/sso-relay/internal/log"
)

const (
	DefaultAddr            = ":8080"
	DefaultProviderTimeout = 10 * time.Second
)

// secretFields lists the config values that must be given as env references.
var secretFields = []struct {
	section string
	name    string
}{
	{"provider", "anonKey"},
	{"provider", "jwtSecret"},
	{"provider", "clientSecret"},
}

// Load loads and processes the config with immediate env var resolution
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse processes raw config JSON the same way Load does.
func Parse(data []byte) (Config, error) {
	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !strings.HasPrefix(version, Version) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateRawConfig rejects secrets written inline before env resolution
func validateRawConfig(rawConfig map[string]any) error {
	for _, f := range secretFields {
		section, ok := rawConfig[f.section].(map[string]any)
		if !ok {
			continue
		}
		if err := requireEnvRef(section[f.name], f.section+"."+f.name); err != nil {
			return err
		}
	}
	if relay, ok := rawConfig["relay"].(map[string]any); ok {
		if metrics, ok := relay["metrics"].(map[string]any); ok {
			if err := requireEnvRef(metrics["password"], "relay.metrics.password"); err != nil {
				return err
			}
		}
	}
	return nil
}

func requireEnvRef(value any, path string) error {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return fmt.Errorf("%s must use environment variable reference for security", path)
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", path)
		}
	}
	return nil
}

// ApplyDefaults fills unset optional values
func ApplyDefaults(config *Config) {
	if config.Relay.Addr == "" {
		config.Relay.Addr = DefaultAddr
	}
	if config.Relay.Cookie.Name == "" {
		config.Relay.Cookie.Name = cookie.RefreshCookie
	}
	if config.Relay.Cookie.MaxAge == 0 {
		config.Relay.Cookie.MaxAge = cookie.RefreshMaxAge
	}
	if config.Provider.Timeout == 0 {
		config.Provider.Timeout = DefaultProviderTimeout
	}
	if config.Activity == nil {
		config.Activity = &ActivityConfig{Storage: ActivityStorageNone}
	}
	if config.Activity.Storage == "" {
		config.Activity.Storage = ActivityStorageNone
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if err := validateRelayConfig(&config.Relay); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}
	if err := validateProviderConfig(&config.Provider); err != nil {
		return fmt.Errorf("provider config: %w", err)
	}
	if activity := config.Activity; activity != nil {
		switch activity.Storage {
		case ActivityStorageNone, ActivityStorageMemory, "":
		case ActivityStorageFirestore:
			if activity.GCPProject == "" {
				return fmt.Errorf("activity.gcpProject is required when using firestore storage")
			}
		default:
			return fmt.Errorf("activity.storage must be one of none, memory, firestore (got %q)", activity.Storage)
		}
	}
	return nil
}

func validateRelayConfig(relay *RelayConfig) error {
	if relay.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if relay.RootDomain == "" {
		return fmt.Errorf("rootDomain is required")
	}
	if len(relay.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin is required")
	}
	for _, origin := range relay.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			return err
		}
		if !hostmatch.UnderDomain(hostmatch.OriginHost(origin), relay.RootDomain) {
			log.LogWarnWithFields("config", "Allowed origin is outside the root domain and will not receive the refresh cookie", map[string]any{
				"origin":     origin,
				"rootDomain": relay.RootDomain,
			})
		}
	}
	if relay.LoginURL == "" {
		return fmt.Errorf("loginUrl is required")
	}
	if u, err := url.Parse(relay.LoginURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("loginUrl must be an absolute URL (got %q)", relay.LoginURL)
	}
	if relay.Cookie.MaxAge < 0 {
		return fmt.Errorf("cookie.maxAge cannot be negative")
	}
	if m := relay.Metrics; m != nil && m.Enabled && m.Username == "" {
		log.LogWarn("Metrics endpoint is enabled without basic auth")
	}
	return nil
}

func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("allowed origin %q must be scheme://host[:port]", origin)
	}
	if u.Path != "" && u.Path != "/" {
		return fmt.Errorf("allowed origin %q must not have a path", origin)
	}
	return nil
}

func validateProviderConfig(p *ProviderConfig) error {
	if p.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if p.JWTSecret != "" && len(p.JWTSecret) < 32 {
		return fmt.Errorf("jwtSecret must be at least 32 characters (got %d)", len(p.JWTSecret))
	}

	switch p.Type {
	case ProviderTypeSupabase:
		if p.URL == "" {
			return fmt.Errorf("url is required for supabase")
		}
		if p.AnonKey == "" {
			return fmt.Errorf("anonKey is required for supabase")
		}
	case ProviderTypeOIDC:
		if p.ClientID == "" {
			return fmt.Errorf("clientId is required for oidc")
		}
		if p.DiscoveryURL == "" && (p.TokenURL == "" || p.UserInfoURL == "") {
			return fmt.Errorf("either discoveryUrl or both tokenUrl and userInfoUrl must be provided")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown provider type: %s (supported: supabase, oidc)", p.Type)
	}
	return nil
}
