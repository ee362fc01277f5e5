package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dgellow/sso-relay/internal/log"
)

// UnmarshalJSON implements custom unmarshaling for RelayConfig
func (r *RelayConfig) UnmarshalJSON(data []byte) error {
	type rawRelay struct {
		Addr           json.RawMessage   `json:"addr"`
		RootDomain     json.RawMessage   `json:"rootDomain"`
		AllowedOrigins []json.RawMessage `json:"allowedOrigins"`
		LoginURL       json.RawMessage   `json:"loginUrl"`
		AppID          string            `json:"appId"`
		Cookie         *CookieConfig     `json:"cookie"`
		Metrics        *MetricsConfig    `json:"metrics"`
	}

	var raw rawRelay
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.AppID = raw.AppID
	r.Metrics = raw.Metrics
	if raw.Cookie != nil {
		r.Cookie = *raw.Cookie
	}

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"addr", raw.Addr, &r.Addr},
		{"rootDomain", raw.RootDomain, &r.RootDomain},
		{"loginUrl", raw.LoginURL, &r.LoginURL},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		v, err := ParseConfigValue(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", f.name, err)
		}
		*f.dst = v
	}
	r.RootDomain = strings.TrimPrefix(strings.ToLower(r.RootDomain), ".")

	if len(raw.AllowedOrigins) > 0 {
		origins, err := ParseConfigValueSlice(raw.AllowedOrigins)
		if err != nil {
			return fmt.Errorf("parsing allowedOrigins: %w", err)
		}
		r.AllowedOrigins = origins
	}

	return nil
}

// UnmarshalJSON implements custom unmarshaling for CookieConfig
func (c *CookieConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name   string `json:"name"`
		MaxAge string `json:"maxAge"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Name = raw.Name
	if raw.MaxAge != "" {
		maxAge, err := time.ParseDuration(raw.MaxAge)
		if err != nil {
			return fmt.Errorf("parsing maxAge: %w", err)
		}
		c.MaxAge = maxAge
	}
	return nil
}

// UnmarshalJSON implements custom unmarshaling for MetricsConfig. The
// password is hashed immediately so the plain value never stays in memory.
func (m *MetricsConfig) UnmarshalJSON(data []byte) error {
	type rawMetrics MetricsConfig
	var raw rawMetrics
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = MetricsConfig(raw)

	if m.PasswordRaw == nil {
		if m.Username != "" {
			return fmt.Errorf("password is required when username is set")
		}
		return nil
	}

	log.LogTraceWithFields("config", "Hashing password for metrics basic auth", map[string]any{
		"username": m.Username,
	})
	password, err := ParseConfigValue(m.PasswordRaw)
	if err != nil {
		return fmt.Errorf("parsing password: %w", err)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	m.HashedPassword = Secret(hashed)
	return nil
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		Type         ProviderType      `json:"type"`
		Timeout      string            `json:"timeout"`
		URL          json.RawMessage   `json:"url"`
		AnonKey      json.RawMessage   `json:"anonKey"`
		JWTSecret    json.RawMessage   `json:"jwtSecret"`
		DiscoveryURL json.RawMessage   `json:"discoveryUrl"`
		TokenURL     json.RawMessage   `json:"tokenUrl"`
		UserInfoURL  json.RawMessage   `json:"userInfoUrl"`
		RevokeURL    json.RawMessage   `json:"revokeUrl"`
		ClientID     json.RawMessage   `json:"clientId"`
		ClientSecret json.RawMessage   `json:"clientSecret"`
		Scopes       []json.RawMessage `json:"scopes"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Type = raw.Type
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("parsing timeout: %w", err)
		}
		p.Timeout = timeout
	}

	var anonKey, jwtSecret, clientSecret string
	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"url", raw.URL, &p.URL},
		{"anonKey", raw.AnonKey, &anonKey},
		{"jwtSecret", raw.JWTSecret, &jwtSecret},
		{"discoveryUrl", raw.DiscoveryURL, &p.DiscoveryURL},
		{"tokenUrl", raw.TokenURL, &p.TokenURL},
		{"userInfoUrl", raw.UserInfoURL, &p.UserInfoURL},
		{"revokeUrl", raw.RevokeURL, &p.RevokeURL},
		{"clientId", raw.ClientID, &p.ClientID},
		{"clientSecret", raw.ClientSecret, &clientSecret},
	}
	for _, f := range fields {
		if f.raw == nil {
			continue
		}
		v, err := ParseConfigValue(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", f.name, err)
		}
		*f.dst = v
	}
	p.AnonKey = Secret(anonKey)
	p.JWTSecret = Secret(jwtSecret)
	p.ClientSecret = Secret(clientSecret)

	if len(raw.Scopes) > 0 {
		scopes, err := ParseConfigValueSlice(raw.Scopes)
		if err != nil {
			return fmt.Errorf("parsing scopes: %w", err)
		}
		p.Scopes = scopes
	}

	return nil
}

// UnmarshalJSON implements custom unmarshaling for ActivityConfig
func (a *ActivityConfig) UnmarshalJSON(data []byte) error {
	var raw struct {
		Storage             ActivityStorage `json:"storage"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Storage = raw.Storage
	a.FirestoreDatabase = raw.FirestoreDatabase
	a.FirestoreCollection = raw.FirestoreCollection

	if raw.GCPProject != nil {
		v, err := ParseConfigValue(raw.GCPProject)
		if err != nil {
			return fmt.Errorf("parsing gcpProject: %w", err)
		}
		a.GCPProject = v
	}

	// Apply defaults for Firestore configuration
	if a.Storage == ActivityStorageFirestore {
		if a.FirestoreDatabase == "" {
			a.FirestoreDatabase = "(default)"
		}
		if a.FirestoreCollection == "" {
			a.FirestoreCollection = "activity_logs"
		}
	}
	return nil
}
