package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

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

// ValidateBytes is ValidateFile for contents already in memory.
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

	validateServerStructure(rawConfig, result)
	validateIdentityStructure(rawConfig, result)
	validateFlowsStructure(rawConfig, result)
	validateSessionStructure(rawConfig, result)
	validateOAuthStructure(rawConfig, result)

	return result
}

func section(rawConfig map[string]any, name string, result *ValidationResult) (map[string]any, bool) {
	v, present := rawConfig[name]
	if !present {
		result.addError(name, "%s field is required and must be an object", name)
		return nil, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		result.addError(name, "%s must be an object", name)
		return nil, false
	}
	return m, true
}

func validateServerStructure(rawConfig map[string]any, result *ValidationResult) {
	server, ok := section(rawConfig, "server", result)
	if !ok {
		return
	}
	if _, ok := server["baseURL"]; !ok {
		result.addError("server.baseURL", "baseURL is required. Example: \"https://auth.example.com\"")
	}
	if _, ok := server["addr"]; !ok {
		result.addError("server.addr", "addr is required. Example: \":8080\" or \"0.0.0.0:8080\"")
	}
	for _, key := range []string{"afterSignInUrl", "afterSignUpUrl"} {
		if v, ok := server[key].(string); ok && !strings.HasPrefix(v, "/") && !strings.HasPrefix(v, "http") {
			result.addWarning("server."+key, "%s should be a path or an absolute URL, got %q", key, v)
		}
	}
}

func validateIdentityStructure(rawConfig map[string]any, result *ValidationResult) {
	identity, ok := section(rawConfig, "identity", result)
	if !ok {
		return
	}
	if _, ok := identity["apiUrl"]; !ok {
		result.addError("identity.apiUrl", "apiUrl is required. Example: \"https://api.identity.example.com\"")
	}
	requireSecretReference(identity, "secretKey", "identity", result)
	checkDuration(identity, "timeout", "identity", result)
}

func validateFlowsStructure(rawConfig map[string]any, result *ValidationResult) {
	flows, present := rawConfig["flows"].(map[string]any)
	if !present {
		// Memory storage with defaults
		return
	}

	storage, _ := flows["storage"].(string)
	switch storage {
	case "", StorageMemory:
	case StorageRedis:
		requireSecretReference(flows, "redisUrl", "flows", result)
	case StorageFirestore:
		if _, ok := flows["gcpProject"]; !ok {
			result.addError("flows.gcpProject", "gcpProject is required when storage is firestore")
		}
	default:
		result.addError("flows.storage", "unknown storage '%s' - supported: memory, redis, firestore", storage)
	}

	if storage != "" && storage != StorageMemory {
		requireSecretReference(flows, "encryptionKey", "flows", result)
	} else if _, ok := flows["encryptionKey"]; ok {
		validateEnvVarReference(flows["encryptionKey"], "flows.encryptionKey", result)
	}

	ttl := checkDuration(flows, "ttl", "flows", result)
	cleanup := checkDuration(flows, "cleanupInterval", "flows", result)
	checkDuration(flows, "resendCooldown", "flows", result)
	if ttl > 0 && cleanup > ttl {
		result.addWarning("flows", "cleanupInterval (%s) is longer than ttl (%s). Abandoned flows will linger until cleanup runs.", cleanup, ttl)
	}
}

func validateSessionStructure(rawConfig map[string]any, result *ValidationResult) {
	session, ok := section(rawConfig, "session", result)
	if !ok {
		return
	}
	requireSecretReference(session, "csrfKey", "session", result)
	checkDuration(session, "cookieTtl", "session", result)
}

func validateOAuthStructure(rawConfig map[string]any, result *ValidationResult) {
	v, present := rawConfig["oauth"]
	if !present {
		return
	}
	oauth, ok := v.(map[string]any)
	if !ok {
		result.addError("oauth", "oauth must be an object")
		return
	}
	requireSecretReference(oauth, "stateKey", "oauth", result)
	checkDuration(oauth, "stateTtl", "oauth", result)

	providers, ok := oauth["providers"].([]any)
	if !ok || len(providers) == 0 {
		result.addError("oauth.providers", "at least one provider is required when oauth is configured")
		return
	}
	for i, p := range providers {
		path := fmt.Sprintf("oauth.providers[%d]", i)
		provider, ok := p.(map[string]any)
		if !ok {
			result.addError(path, "provider must be an object")
			continue
		}
		validateProviderStructure(provider, path, result)
	}
}

func validateProviderStructure(provider map[string]any, path string, result *ValidationResult) {
	name, ok := provider["provider"].(string)
	if !ok {
		result.addError(path+".provider", "provider is required. Options: google, azure, github, oidc")
		return
	}

	if _, ok := provider["clientId"]; !ok {
		result.addError(path+".clientId", "clientId is required for %s", name)
	}
	requireSecretReference(provider, "clientSecret", path, result)

	switch strings.ToLower(name) {
	case "google", "github":
	case "azure":
		if _, ok := provider["tenantId"]; !ok {
			result.addError(path+".tenantId", "tenantId is required for Azure AD provider")
		}
	case "oidc":
		if _, ok := provider["discoveryUrl"]; ok {
			return
		}
		for _, endpoint := range []string{"authorizationUrl", "tokenUrl", "userInfoUrl"} {
			if _, ok := provider[endpoint]; !ok {
				result.addError(path+"."+endpoint, "%s is required for OIDC provider when discoveryUrl is not provided", endpoint)
			}
		}
	default:
		result.addError(path+".provider", "unknown provider '%s' - supported providers: google, azure, github, oidc", name)
	}
}

func requireSecretReference(obj map[string]any, key, parent string, result *ValidationResult) {
	path := parent + "." + key
	v, ok := obj[key]
	if !ok {
		result.addError(path, "%s is required", key)
		return
	}
	validateEnvVarReference(v, path, result)
}

// validateEnvVarReference checks that a secret is given as {"$env": "VAR"}
func validateEnvVarReference(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		result.addError(path, "secrets must use environment variable references. Hint: {\"$env\": \"%s\"}", envHint(path))
	case map[string]any:
		name, ok := v["$env"].(string)
		if !ok || name == "" {
			result.addError(path, "must use {\"$env\": \"VAR_NAME\"} format")
		}
	default:
		result.addError(path, "must use {\"$env\": \"VAR_NAME\"} format, got %T", value)
	}
}

// envHint turns "session.csrfKey" into "SESSION_CSRF_KEY".
func envHint(path string) string {
	var b strings.Builder
	for i, r := range path {
		switch {
		case r == '.' || r == '[' || r == ']':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		case r >= 'A' && r <= 'Z' && i > 0:
			b.WriteByte('_')
			b.WriteRune(r)
		default:
			b.WriteString(strings.ToUpper(string(r)))
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func checkDuration(obj map[string]any, key, parent string, result *ValidationResult) time.Duration {
	v, ok := obj[key]
	if !ok {
		return 0
	}
	s, ok := v.(string)
	if !ok {
		result.addError(parent+"."+key, "%s must be a duration string like \"30s\" or \"15m\"", key)
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.addError(parent+"."+key, "invalid duration %q: %v", s, err)
		return 0
	}
	if d < 0 {
		result.addError(parent+"."+key, "%s cannot be negative", key)
		return 0
	}
	return d
}

var bashStyleRegex = regexp.MustCompile(`\$\{?[A-Z_][A-Z0-9_]*\}?`)

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead. Hint: JSON syntax prevents accidental shell expansion in scripts/CI and ensures unambiguous parsing", match, varName)
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
