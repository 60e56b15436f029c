package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeClientConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadowctl.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadClientConfigOverlaysDefaults(t *testing.T) {
	path := writeClientConfig(t, `
addr = "edge-bus.local:9600"
timeout = "250ms"
`)
	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != "edge-bus.local:9600" {
		t.Fatalf("addr = %q, want edge-bus.local:9600", cfg.Addr)
	}
	if cfg.Timeout != 250*time.Millisecond {
		t.Fatalf("timeout = %v, want 250ms", cfg.Timeout)
	}
}

func TestLoadClientConfigKeepsDefaultsForAbsentKeys(t *testing.T) {
	path := writeClientConfig(t, `addr = "10.0.4.17:9600"`)
	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Addr != "10.0.4.17:9600" {
		t.Fatalf("addr = %q, want 10.0.4.17:9600", cfg.Addr)
	}
	if want := defaultClientConfig().Timeout; cfg.Timeout != want {
		t.Fatalf("timeout = %v, want default %v", cfg.Timeout, want)
	}
}

func TestLoadClientConfigMillisecondTimeoutWins(t *testing.T) {
	path := writeClientConfig(t, `
timeout = "1s"
timeout_ms = 1500
`)
	cfg, err := loadClientConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Timeout != 1500*time.Millisecond {
		t.Fatalf("timeout = %v, want 1.5s", cfg.Timeout)
	}
}

func TestLoadClientConfigRejectsBadInput(t *testing.T) {
	path := writeClientConfig(t, `timeout = "soon"`)
	if _, err := loadClientConfig(path); err == nil || !strings.Contains(err.Error(), "parse timeout") {
		t.Fatalf("err = %v, want parse timeout failure", err)
	}

	if _, err := loadClientConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
