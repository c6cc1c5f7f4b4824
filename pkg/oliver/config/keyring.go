// keyring.go provides credential storage in the operating system's native
// keyring (Linux: Secret Service, macOS: Keychain, Windows: Credential
// Manager).
//
// Priority for resolving secrets:
//  1. Encrypted vault (.oliver.vault, AES-256-GCM + Argon2id)
//  2. OS keyring
//  3. Environment variable / .env file
//  4. config.yaml value (least secure, plaintext on disk)
package config

import (
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "oliver"

	// Secret names shared by the vault and the keyring.
	SecretAIKey         = "ai_api_key"
	SecretGatewayKey    = "gateway_api_key"
	SecretElevenLabsKey = "elevenlabs_api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, empty if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__oliver_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills in missing credentials using the priority chain:
// vault → keyring → env/config (env already resolved by the loader).
// Prompts for the vault password when a vault exists and holds secrets.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	slots := []struct {
		target *string
		name   string
	}{
		{&cfg.AI.APIKey, SecretAIKey},
		{&cfg.Gateway.APIKey, SecretGatewayKey},
		{&cfg.Speech.ElevenLabsAPIKey, SecretElevenLabsKey},
	}

	vault := NewVault(VaultFile)
	if vault.Exists() {
		password, err := ReadPassword("Vault password: ")
		if err != nil {
			logger.Warn("failed to read vault password", "error", err)
		} else if err := vault.Unlock(password); err != nil {
			logger.Warn("failed to unlock vault", "error", err)
		}
		if vault.IsUnlocked() {
			for _, slot := range slots {
				if val, err := vault.Get(slot.name); err == nil && val != "" {
					*slot.target = val
				}
			}
			vault.Lock()
		}
	}

	for _, slot := range slots {
		if *slot.target != "" && !IsEnvReference(*slot.target) {
			continue
		}
		if val := GetKeyring(slot.name); val != "" {
			*slot.target = val
			logger.Debug("credential loaded from OS keyring", "name", slot.name)
		}
	}

	if cfg.AI.APIKey == "" || IsEnvReference(cfg.AI.APIKey) {
		logger.Warn("no AI API key found. Set one with: oliver config set-key or oliver config vault-set")
	}
}

// MigrateKeyToKeyring moves a credential into the OS keyring.
func MigrateKeyToKeyring(name, value string, logger *slog.Logger) error {
	if err := StoreKeyring(name, value); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	logger.Info("credential stored in OS keyring",
		"service", keyringService,
		"name", name,
		"hint", "you can now remove it from .env and config.yaml")
	return nil
}
