package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"server": {"address": ":9090"},
		"catalog": {"source": "catalog.json"},
		"settlement": {"dry_run": true}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("expected configured address, got %s", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected default storage driver, got %s", cfg.Storage.Driver)
	}
	if cfg.Negotiation.MaxRounds != 5 {
		t.Fatalf("expected default max rounds 5, got %d", cfg.Negotiation.MaxRounds)
	}
	if cfg.Settlement.Currency != "USDC" {
		t.Fatalf("expected default currency, got %s", cfg.Settlement.Currency)
	}
	if !cfg.Settlement.DryRun {
		t.Fatalf("expected dry_run to survive loading")
	}
	if cfg.Queue.Driver != "memory" || cfg.Queue.Workers != 4 {
		t.Fatalf("unexpected queue defaults: %s/%d", cfg.Queue.Driver, cfg.Queue.Workers)
	}
	if want := filepath.Join(dir, "catalog.json"); cfg.Catalog.Source != want {
		t.Fatalf("expected catalog source %s, got %s", want, cfg.Catalog.Source)
	}
	if want := filepath.Join(dir, "data"); cfg.Runtime.DataDir != want {
		t.Fatalf("expected data dir %s, got %s", want, cfg.Runtime.DataDir)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestResolveAPIKeyPrefersLiteral(t *testing.T) {
	t.Setenv("BAZAAR_TEST_KEY", "from-env")
	cfg := OpenAIConfig{APIKey: "literal", APIKeyEnv: "BAZAAR_TEST_KEY"}
	if got := cfg.ResolveAPIKey(); got != "literal" {
		t.Fatalf("expected literal key, got %s", got)
	}
	cfg.APIKey = ""
	if got := cfg.ResolveAPIKey(); got != "from-env" {
		t.Fatalf("expected env key, got %s", got)
	}
}
