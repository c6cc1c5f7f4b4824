// loader.go handles loading configuration from YAML files with secure
// credential management via environment variables and .env files.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML configuration file. Loads .env
// files first and expands environment variables before parsing.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveEnvSecrets(cfg)
	checkFilePermissions(path)

	return cfg, nil
}

// Parse parses YAML bytes into a Config, starting from defaults and
// overlaying values from the YAML.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes a Config as YAML with owner-only permissions. Secrets
// already available in the environment are replaced by references.
func SaveToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.AI.APIKey = sanitizeSecret(cfg.AI.APIKey, "OLIVER_AI_KEY")
	sanitized.Gateway.APIKey = sanitizeSecret(cfg.Gateway.APIKey, "OLIVER_GATEWAY_KEY")
	sanitized.Speech.ElevenLabsAPIKey = sanitizeSecret(cfg.Speech.ElevenLabsAPIKey, "ELEVENLABS_API_KEY")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"oliver.yaml",
		"oliver.yml",
		"configs/config.yaml",
		"configs/oliver.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about hardcoded secrets. Called on startup.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	check := func(value, envVar, field string) {
		if value != "" && !IsEnvReference(value) && looksLikeRealKey(value) {
			logger.Warn("credential appears to be hardcoded in config",
				"field", field,
				"hint", fmt.Sprintf("set '%s: ${%s}' and export %s", field, envVar, envVar))
		}
	}
	check(cfg.AI.APIKey, "OLIVER_AI_KEY", "ai.api_key")
	check(cfg.Gateway.APIKey, "OLIVER_GATEWAY_KEY", "gateway.api_key")
	check(cfg.Speech.ElevenLabsAPIKey, "ELEVENLABS_API_KEY", "speech.elevenlabs_api_key")
}

// ---------- Internal ----------

func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load does NOT overwrite existing env vars.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with their values.
// Unset variables keep the placeholder text.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		return match
	})
}

// resolveEnvSecrets fills empty or unresolved secrets from well-known
// environment variables.
func resolveEnvSecrets(cfg *Config) {
	fill := func(target *string, envVars ...string) {
		if *target != "" && !IsEnvReference(*target) {
			return
		}
		for _, v := range envVars {
			if key := os.Getenv(v); key != "" {
				*target = key
				return
			}
		}
	}
	fill(&cfg.AI.APIKey, "OLIVER_AI_KEY", "OPENAI_API_KEY")
	fill(&cfg.Gateway.APIKey, "OLIVER_GATEWAY_KEY", "EVOLUTION_API_KEY")
	fill(&cfg.Speech.ElevenLabsAPIKey, "ELEVENLABS_API_KEY")
}

// sanitizeSecret replaces a real secret with an env var reference when the
// environment already carries the same value.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference checks if a string is an environment variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// looksLikeRealKey heuristically checks if a string looks like a real API
// key rather than a placeholder.
func looksLikeRealKey(s string) bool {
	if IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns if the config file is group/world-readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
		)
	}
}
