package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.ImportDelay != DefaultImportDelay {
		t.Errorf("expected import delay %v, got %v", DefaultImportDelay, cfg.ImportDelay)
	}
	if cfg.SubscriptionDelay != DefaultSubscriptionDelay {
		t.Errorf("expected subscription delay %v, got %v", DefaultSubscriptionDelay, cfg.SubscriptionDelay)
	}
	if cfg.ClientFailureLimit != 5 {
		t.Errorf("expected client failure limit 5, got %d", cfg.ClientFailureLimit)
	}
	if len(cfg.CapacityTable) == 0 {
		t.Error("expected a non-empty default capacity table")
	}
}

func TestLoadConfigFromFileYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "port: \"9090\"\nclient_failure_limit: 3\nimport_delay_ms: 5000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("expected port 9090, got %s", cfg.Port)
	}
	if cfg.ClientFailureLimit != 3 {
		t.Errorf("expected client failure limit 3, got %d", cfg.ClientFailureLimit)
	}
	if cfg.ImportDelay.Milliseconds() != 5000 {
		t.Errorf("expected import delay 5000ms, got %v", cfg.ImportDelay)
	}
	// Values absent from the file keep their defaults.
	if cfg.DataDir != DefaultDataDir {
		t.Errorf("expected untouched field to retain its default, got %s", cfg.DataDir)
	}
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("CLIENT_FAILURE_LIMIT", "9")

	cfg := Load()
	if cfg.Port != "7070" {
		t.Errorf("expected env PORT to win, got %s", cfg.Port)
	}
	if cfg.ClientFailureLimit != 9 {
		t.Errorf("expected env CLIENT_FAILURE_LIMIT to win, got %d", cfg.ClientFailureLimit)
	}
}
