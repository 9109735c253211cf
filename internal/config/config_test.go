package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.HeartbeatInterval() != 5*time.Minute {
		t.Errorf("default interval = %v, want 5m", cfg.HeartbeatInterval())
	}
	if !cfg.FailOpen() {
		t.Error("default tier 3 policy should be fail-open")
	}
	if len(cfg.Modes) == 0 {
		t.Fatal("default config has no modes")
	}
	for _, m := range cfg.Modes {
		if !m.Selectable() {
			t.Errorf("default mode %q has all-zero weights", m.Name)
		}
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if cfg.Name != "vigil" {
		t.Errorf("Name = %q, want vigil", cfg.Name)
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vigil.yaml")

	cfg := DefaultConfig()
	cfg.Heartbeat.Interval = "90s"
	cfg.Gate.RecencyWindow = "3m"
	cfg.Outbox.Dir = filepath.Join(dir, "outbox")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.HeartbeatInterval() != 90*time.Second {
		t.Errorf("interval = %v, want 90s", loaded.HeartbeatInterval())
	}
	if loaded.RecencyWindow() != 3*time.Minute {
		t.Errorf("recency = %v, want 3m", loaded.RecencyWindow())
	}
	if loaded.DeadLetterDir() != filepath.Join(cfg.Outbox.Dir, "deadletter") {
		t.Errorf("dead-letter dir = %q", loaded.DeadLetterDir())
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vigil.yaml")
	if err := os.WriteFile(path, []byte("{not yaml: ["), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load on malformed yaml should fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VIGIL_DB", "/tmp/override.db")
	t.Setenv("VIGIL_HEARTBEAT_INTERVAL", "42s")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Memory.DatabasePath != "/tmp/override.db" {
		t.Errorf("DatabasePath = %q", cfg.Memory.DatabasePath)
	}
	if cfg.HeartbeatInterval() != 42*time.Second {
		t.Errorf("interval = %v, want 42s", cfg.HeartbeatInterval())
	}
}

func TestDurationFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gate.CheapTimeout = "bogus"
	if cfg.CheapTimeout() != 20*time.Second {
		t.Errorf("invalid duration should fall back, got %v", cfg.CheapTimeout())
	}
}
