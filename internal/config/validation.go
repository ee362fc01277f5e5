package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return ValidateBytes(data), nil
}

// ValidateBytes validates raw config JSON without requiring env vars
func ValidateBytes(data []byte) *ValidationResult {
	result := &ValidationResult{}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", Version)
	} else if !strings.HasPrefix(version, Version) {
		result.addError("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, Version, Version)
	}

	validateRelayStructure(rawConfig, result)
	validateProviderStructure(rawConfig, result)
	validateActivityStructure(rawConfig, result)

	return result
}

func validateRelayStructure(rawConfig map[string]any, result *ValidationResult) {
	relay, ok := rawConfig["relay"].(map[string]any)
	if !ok {
		result.addError("relay", "relay section is required")
		return
	}

	for _, field := range []string{"rootDomain", "loginUrl"} {
		if _, ok := relay[field]; !ok {
			result.addError("relay."+field, "%s is required", field)
		}
	}

	origins, ok := relay["allowedOrigins"].([]any)
	if !ok || len(origins) == 0 {
		result.addError("relay.allowedOrigins", "at least one allowed origin is required. Hint: the first entry is the fallback origin for CORS")
	}

	if c, ok := relay["cookie"].(map[string]any); ok {
		if maxAge, ok := c["maxAge"].(string); ok {
			if _, err := time.ParseDuration(maxAge); err != nil {
				result.addError("relay.cookie.maxAge", "invalid duration '%s'. Hint: use Go duration syntax such as \"168h\"", maxAge)
			}
		}
	}

	if m, ok := relay["metrics"].(map[string]any); ok {
		if password, exists := m["password"]; exists {
			if err := validateEnvVarReference(password, "password", "relay.metrics.password"); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
		if enabled, _ := m["enabled"].(bool); enabled {
			if _, hasUser := m["username"]; !hasUser {
				result.addWarning("relay.metrics", "metrics endpoint is enabled without basic auth")
			}
		}
	}
}

func validateProviderStructure(rawConfig map[string]any, result *ValidationResult) {
	provider, ok := rawConfig["provider"].(map[string]any)
	if !ok {
		result.addError("provider", "provider section is required")
		return
	}

	for _, name := range []string{"anonKey", "jwtSecret", "clientSecret"} {
		if v, exists := provider[name]; exists {
			if err := validateEnvVarReference(v, name, "provider."+name); err != nil {
				result.Errors = append(result.Errors, *err)
			}
		}
	}

	if timeout, ok := provider["timeout"].(string); ok {
		if _, err := time.ParseDuration(timeout); err != nil {
			result.addError("provider.timeout", "invalid duration '%s'", timeout)
		}
	}

	switch ProviderType(fmt.Sprint(provider["type"])) {
	case ProviderTypeSupabase:
		for _, field := range []string{"url", "anonKey"} {
			if _, ok := provider[field]; !ok {
				result.addError("provider."+field, "%s is required for supabase", field)
			}
		}
	case ProviderTypeOIDC:
		if _, ok := provider["clientId"]; !ok {
			result.addError("provider.clientId", "clientId is required for oidc")
		}
		_, hasDiscovery := provider["discoveryUrl"]
		_, hasToken := provider["tokenUrl"]
		_, hasUserInfo := provider["userInfoUrl"]
		if !hasDiscovery && (!hasToken || !hasUserInfo) {
			result.addError("provider", "either discoveryUrl or both tokenUrl and userInfoUrl must be provided")
		}
	default:
		result.addError("provider.type", "type must be one of supabase, oidc (got %v)", provider["type"])
	}
}

func validateActivityStructure(rawConfig map[string]any, result *ValidationResult) {
	activity, ok := rawConfig["activity"].(map[string]any)
	if !ok {
		return
	}
	storage, _ := activity["storage"].(string)
	switch ActivityStorage(storage) {
	case "", ActivityStorageNone, ActivityStorageMemory:
	case ActivityStorageFirestore:
		if _, ok := activity["gcpProject"]; !ok {
			result.addError("activity.gcpProject", "gcpProject is required when using firestore storage")
		}
	default:
		result.addError("activity.storage", "storage must be one of none, memory, firestore (got '%s')", storage)
	}
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This prevents secrets from being stored in config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format, not %v", fieldName, v),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
