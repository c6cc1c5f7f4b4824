package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseOverlaysDefaults(t *testing.T) {
	yaml := []byte(`
name: Oliver
tenant: acme
gateway:
  base_url: http://gateway:8080
  instance: acme-main
  operator: "5511999990000"
enrichment:
  summary_threshold: 12
`)
	cfg, err := Parse(yaml)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Tenant != "acme" {
		t.Errorf("tenant = %q", cfg.Tenant)
	}
	if cfg.Gateway.Instance != "acme-main" {
		t.Errorf("instance = %q", cfg.Gateway.Instance)
	}
	if cfg.Enrichment.SummaryThreshold != 12 {
		t.Errorf("summary_threshold = %d", cfg.Enrichment.SummaryThreshold)
	}

	// Untouched fields keep defaults.
	if cfg.Timezone != "America/Sao_Paulo" {
		t.Errorf("timezone default lost: %q", cfg.Timezone)
	}
	if cfg.Enrichment.LeadEvery != 5 {
		t.Errorf("lead_every default lost: %d", cfg.Enrichment.LeadEvery)
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("OLIVER_TEST_KEY", "resolved-value")

	out := expandEnvVars("api_key: ${OLIVER_TEST_KEY}")
	if out != "api_key: resolved-value" {
		t.Errorf("expanded = %q", out)
	}

	// Unset variables keep the placeholder.
	out = expandEnvVars("api_key: ${OLIVER_UNSET_VAR_XYZ}")
	if out != "api_key: ${OLIVER_UNSET_VAR_XYZ}" {
		t.Errorf("placeholder lost: %q", out)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("OLIVER_GATEWAY_KEY", "gw-secret-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
tenant: acme
gateway:
  api_key: ${OLIVER_GATEWAY_KEY}
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Gateway.APIKey != "gw-secret-from-env" {
		t.Errorf("api_key = %q", cfg.Gateway.APIKey)
	}
}

func TestVaultRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".oliver.vault")

	v := NewVault(path)
	if err := v.Create("senha-mestra"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := v.Set(SecretAIKey, "sk-test-123"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v.Lock()
	if v.IsUnlocked() {
		t.Fatal("vault should be locked")
	}

	t.Run("unlock with correct password", func(t *testing.T) {
		v2 := NewVault(path)
		if err := v2.Unlock("senha-mestra"); err != nil {
			t.Fatalf("Unlock: %v", err)
		}
		val, err := v2.Get(SecretAIKey)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if val != "sk-test-123" {
			t.Errorf("secret = %q", val)
		}
		if keys := v2.List(); len(keys) != 1 || keys[0] != SecretAIKey {
			t.Errorf("List = %v", keys)
		}
	})

	t.Run("wrong password rejected", func(t *testing.T) {
		v3 := NewVault(path)
		if err := v3.Unlock("senha-errada"); err == nil {
			t.Error("wrong password accepted")
		}
	})

	t.Run("locked vault refuses access", func(t *testing.T) {
		v4 := NewVault(path)
		if _, err := v4.Get(SecretAIKey); err == nil {
			t.Error("Get on locked vault succeeded")
		}
	})
}

func TestSaveToFilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := SaveToFile(DefaultConfig(), path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %04o, want 0600", perm)
	}
}
