package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "dishmon.yaml", `
logging:
  level: debug
  console: true
storage:
  path: ./dishmon.db
  busy_timeout: 5s
classifier:
  window: 5m
  active_threshold_mbps: 1
speedtest:
  enabled: true
  rule: "@every 12h"
api:
  enabled: true
  addr: 127.0.0.1:8099
`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging section: %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "./dishmon.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
	if cfg.SpeedTest.Rule != "@every 12h" || !cfg.SpeedTest.Enabled {
		t.Fatalf("speedtest section: %+v", cfg.SpeedTest)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "dishmon.json", `{
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"path": "/var/lib/dishmon/history.db"}
}`)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/dishmon/history.db" {
		t.Fatalf("storage.path = %q", cfg.Storage.Path)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "dishmon.yaml", `
storage:
  path: ./dishmon.db
weather:
  enabled: true
`)
	if _, err := NewManager(path).Load(); err == nil {
		t.Fatal("unknown section accepted")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeFile(t, "dishmon.yaml", `
storage:
  path: ./dishmon.db
classifier:
  window: five minutes
`)
	_, err := NewManager(path).Load()
	if err == nil {
		t.Fatal("bad duration accepted")
	}
	if !strings.Contains(err.Error(), "classifier.window") {
		t.Fatalf("error does not name the field: %v", err)
	}
}

func TestValidateRequiresStoragePath(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err == nil {
		t.Fatal("missing storage.path accepted")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 42)
	if err != nil || d != 42 {
		t.Fatalf("empty = (%v, %v), want 42", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}
