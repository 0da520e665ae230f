package copilot

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides (CLAWGATE_...).
const EnvPrefix = "CLAWGATE"

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// ErrNoConfigFile is returned by LoadConfig when an explicit path is missing.
var ErrNoConfigFile = errors.New("config file not found")

// LoadConfig builds the effective configuration: defaults, then the YAML
// file (if any), then environment overrides. An empty path searches the
// standard locations and falls back to defaults alone. The path actually
// read is returned, empty when none was.
func LoadConfig(path string) (*Config, string, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNoConfigFile, path)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVars(string(data))
		if err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		if cfg, err = ParseConfig([]byte(expanded)); err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
		checkFilePermissions(path)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return cfg, path, nil
}

// ParseConfig overlays YAML onto the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies environment overrides. Every field is reachable as
// CLAWGATE_<SECTION>_<FIELD>; fields with a short name (ALLOWED_USERS,
// RATE_LIMIT_MESSAGES, TELEGRAM_BOT_TOKEN, ...) also accept it unprefixed.
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing file among the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{
		"clawgate.yaml",
		"clawgate.yml",
		"config.yaml",
		"config.yml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".clawgate", "config.yaml"))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// SaveConfig writes cfg as YAML with owner-only permissions. Secrets that
// match an environment variable are written as references to it.
func SaveConfig(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Provider.APIKey = sanitizeSecret(cfg.Provider.APIKey, "OPENAI_API_KEY")
	sanitized.Telegram.Token = sanitizeSecret(cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	sanitized.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken, "CLAWGATE_GATEWAY_AUTH_TOKEN")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	header := "# clawgate configuration.\n" +
		"# Values may reference the environment: ${VAR}, ${VAR:-default}, ${VAR:?error}.\n" +
		"# Environment variables override this file (CLAWGATE_<SECTION>_<FIELD>).\n\n"
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Masked returns a copy of cfg with secrets hidden, for display.
func Masked(cfg *Config) *Config {
	out := *cfg
	out.Provider.APIKey = maskSecret(cfg.Provider.APIKey)
	out.Telegram.Token = maskSecret(cfg.Telegram.Token)
	out.Gateway.AuthToken = maskSecret(cfg.Gateway.AuthToken)
	out.Database.URL = maskURLPassword(cfg.Database.URL)
	out.Database.PostgreSQL.URL = maskURLPassword(cfg.Database.PostgreSQL.URL)
	out.Database.PostgreSQL.Password = maskSecret(cfg.Database.PostgreSQL.Password)
	out.RateLimit.RedisURL = maskURLPassword(cfg.RateLimit.RedisURL)
	return &out
}

// ---------- Internal ----------

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// Existing variables win.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset variables
// without a default are left as written; ${VAR:?msg} fails instead.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, op, arg := m[1], m[2], m[3]
		val, ok := os.LookupEnv(name)
		switch op {
		case ":-":
			if !ok || val == "" {
				return arg
			}
		case ":?":
			if !ok || val == "" {
				if arg == "" {
					arg = "is required"
				}
				missing = append(missing, name+": "+arg)
				return ""
			}
		default:
			if !ok {
				return match
			}
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

func sanitizeSecret(value, envVar string) string {
	if value == "" || strings.HasPrefix(value, "${") {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "****" + s[len(s)-2:]
	}
}

var urlPassword = regexp.MustCompile(`(://[^:/@]*:)([^@]*)(@)`)

func maskURLPassword(u string) string {
	return urlPassword.ReplaceAllString(u, "${1}****${3}")
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
