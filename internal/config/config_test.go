package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/test.db
redis:
  addr: localhost:6379
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Lock.TTL != 5*time.Second {
		t.Errorf("lock ttl default = %v, want 5s", cfg.Lock.TTL)
	}
	if cfg.Engine.SelfTrade != "allow" {
		t.Errorf("self trade default = %q, want allow", cfg.Engine.SelfTrade)
	}
	if cfg.Engine.CacheRetries != 3 {
		t.Errorf("cache retries default = %d, want 3", cfg.Engine.CacheRetries)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/test.db
engine:
  self_trade: reject
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted unknown self_trade policy")
	}
}
