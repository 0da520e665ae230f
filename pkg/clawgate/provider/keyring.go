package provider

import (
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the service name used in the OS keyring.
	KeyringService = "clawgate"

	// KeyringAPIKey is the entry holding the model API key.
	KeyringAPIKey = "api_key"
)

// apiKeyEnvVars are consulted in order when the keyring has no entry.
var apiKeyEnvVars = []string{"CLAWGATE_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(KeyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" if absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(KeyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(KeyringService, key)
}

// ResolveAPIKey returns the API key to use, in order of preference: OS
// keyring, environment, configured value. It reports where it came from.
func ResolveAPIKey(configured string, logger *slog.Logger) (key, source string) {
	if logger == nil {
		logger = slog.Default()
	}
	if v := GetKeyring(KeyringAPIKey); v != "" {
		logger.Debug("API key loaded from OS keyring")
		return v, "keyring"
	}
	for _, name := range apiKeyEnvVars {
		if v := os.Getenv(name); v != "" {
			return v, "env:" + name
		}
	}
	if configured != "" {
		return configured, "config"
	}
	logger.Warn("no API key configured; model calls will likely fail with an auth error")
	return "", "none"
}
